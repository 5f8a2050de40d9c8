// Package infer provides inference backends for the detection pipeline. The
// HTTP client posts JPEG-encoded frames to an external model server and
// translates its JSON responses into detection batches; class IDs are resolved
// to human-readable names through a YOLO-style YAML label map.
package infer

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/vision.report/internal/fsutil"
)

// Labels resolves numeric class IDs to names. Model metadata files ship the
// mapping under a top-level "names" key, either as a plain list (index =
// class ID) or as an explicit int-keyed mapping.
type Labels struct {
	names map[int]string
}

// LoadLabels reads and parses a label map file. A nil fs reads from the OS
// filesystem.
func LoadLabels(fs fsutil.FileSystem, path string) (*Labels, error) {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read label map: %w", err)
	}
	labels, err := ParseLabels(data)
	if err != nil {
		return nil, fmt.Errorf("label map %s: %w", path, err)
	}
	return labels, nil
}

// ParseLabels decodes YAML label metadata. Both layouts are accepted:
//
//	names: [person, bicycle, car]
//
//	names:
//	  0: person
//	  1: bicycle
//	  2: car
func ParseLabels(data []byte) (*Labels, error) {
	var doc struct {
		Names yaml.Node `yaml:"names"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	names := make(map[int]string)
	switch doc.Names.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := doc.Names.Decode(&list); err != nil {
			return nil, fmt.Errorf("names list: %w", err)
		}
		for i, name := range list {
			names[i] = name
		}
	case yaml.MappingNode:
		if err := doc.Names.Decode(&names); err != nil {
			return nil, fmt.Errorf("names mapping: %w", err)
		}
	case 0:
		return nil, fmt.Errorf("no names key")
	default:
		return nil, fmt.Errorf("names must be a list or an int-keyed mapping")
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("names is empty")
	}
	return &Labels{names: names}, nil
}

// Name returns the label for a class ID. Unknown IDs (and a nil map) fall
// back to "class_<id>" so detections stay renderable when the label file is
// stale or missing entries.
func (l *Labels) Name(id int) string {
	if l != nil {
		if name, ok := l.names[id]; ok {
			return name
		}
	}
	return fmt.Sprintf("class_%d", id)
}

// Count reports how many classes the map covers.
func (l *Labels) Count() int {
	if l == nil {
		return 0
	}
	return len(l.names)
}
