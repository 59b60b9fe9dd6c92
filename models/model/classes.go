package model

import "github.com/pkg/errors"

// OutputClass represents one detection label.
type OutputClass struct {
	// The class index of the logit column.
	Index int
	// The human-readable label.
	Name string
}

// ClassSet ties a family to its label list.
type ClassSet struct {
	Family  Family
	Classes []OutputClass

	nameToIdx map[string]int
}

func newClassSet(family Family, names []string) *ClassSet {
	s := &ClassSet{Family: family, nameToIdx: make(map[string]int, len(names))}
	for i, n := range names {
		s.Classes = append(s.Classes, OutputClass{Index: i, Name: n})
		if n != "" {
			s.nameToIdx[n] = i
		}
	}
	return s
}

// Name returns the label of a class index, or "" when the index is unused or out of range.
func (s *ClassSet) Name(idx int) string {
	if idx < 0 || idx >= len(s.Classes) {
		return ""
	}
	return s.Classes[idx].Name
}

// Index returns the class index of a label.
func (s *ClassSet) Index(name string) (int, error) {
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, errors.Errorf("name %q not found in family %q", name, s.Family)
	}
	return idx, nil
}

// COCO logit columns are COCO category ids; the gaps in the id space have no label.
var cocoNames = []string{
	"", "person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "", "backpack",
	"umbrella", "", "", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard",
	"sports ball", "kite", "baseball bat", "baseball glove", "skateboard", "surfboard",
	"tennis racket", "bottle", "", "wine glass", "cup", "fork", "knife", "spoon", "bowl",
	"banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "", "dining table", "", "", "toilet", "",
	"tv", "laptop", "mouse", "remote", "keyboard", "cell phone", "microwave", "oven", "toaster",
	"sink", "refrigerator", "", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// Pascal VOC has no background column: labels index this list directly.
var vocNames = []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa",
	"train", "tvmonitor",
}

var classSets = map[Family]*ClassSet{
	FamilyCOCO: newClassSet(FamilyCOCO, cocoNames),
	FamilyVOC:  newClassSet(FamilyVOC, vocNames),
}

// ClassSet returns the label set of a family.
func (f Family) ClassSet() (*ClassSet, error) {
	s, ok := classSets[f]
	if !ok {
		return nil, errors.Errorf("family %q has no label set", f)
	}
	return s, nil
}

// ClassName returns the label of a class index, or "" when the family has no label set.
func (f Family) ClassName(idx int) string {
	s, ok := classSets[f]
	if !ok {
		return ""
	}
	return s.Name(idx)
}
