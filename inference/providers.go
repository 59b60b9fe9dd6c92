// Package inference - Execution providers.
package inference

import (
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Provider represents different ONNX Runtime execution providers.
type Provider string

const (
	// CPUExecutionProvider uses CPU for inference.
	CPUExecutionProvider Provider = "cpu"

	// CUDAExecutionProvider uses NVIDIA CUDA for GPU acceleration.
	CUDAExecutionProvider Provider = "cuda"

	// CoreMLExecutionProvider uses Apple CoreML for macOS/iOS acceleration.
	CoreMLExecutionProvider Provider = "coreml"

	// OpenVINOExecutionProvider uses Intel OpenVINO for inference optimization.
	OpenVINOExecutionProvider Provider = "openvino"
)

// ParseProvider maps a configuration string to a Provider. An empty string selects the CPU.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return CPUExecutionProvider, nil
	case CPUExecutionProvider, CUDAExecutionProvider, CoreMLExecutionProvider, OpenVINOExecutionProvider:
		return p, nil
	default:
		return "", errors.Errorf("unsupported execution provider %q", s)
	}
}

// appendProvider enables the execution provider on the session options. The CPU provider
// is always available and needs no registration.
//
// Arguments:
//   - options: The session options to modify.
//   - provider: The provider to enable.
//
// Returns:
//   - error: An error if the provider cannot be enabled.
func appendProvider(options *ort.SessionOptions, provider Provider) error {
	switch provider {
	case CPUExecutionProvider, "":
		return nil
	case CoreMLExecutionProvider:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return errors.Wrap(err, "error enabling CoreML")
		}
	case OpenVINOExecutionProvider:
		// See:
		// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
		if err := options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type": "CPU",
			"precision":   "FP32",
		}); err != nil {
			return errors.Wrap(err, "error enabling OpenVINO")
		}
	case CUDAExecutionProvider:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "error creating CUDA options")
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "error enabling CUDA")
		}
	default:
		return errors.Errorf("unsupported execution provider %q", provider)
	}
	return nil
}
