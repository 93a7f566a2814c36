package models

import "fmt"

// PromptType is the kind of prompt sent to the engine
type PromptType string

const (
	PromptText  PromptType = "text"
	PromptPoint PromptType = "point"
	PromptBox   PromptType = "box"
)

// Prompt is a tagged union of text, point and box prompts.
// Points and boxes are normalized to [0, 1].
type Prompt struct {
	Type        PromptType  `json:"type" msgpack:"type"`
	Text        string      `json:"text,omitempty" msgpack:"text,omitempty"`
	Points      [][]float64 `json:"points,omitempty" msgpack:"points,omitempty"`
	PointLabels []int       `json:"point_labels,omitempty" msgpack:"point_labels,omitempty"`
	Box         []float64   `json:"box,omitempty" msgpack:"box,omitempty"`
	Label       *bool       `json:"label,omitempty" msgpack:"label,omitempty"`
}

// Validate checks the prompt shape for its type
func (p Prompt) Validate() error {
	switch p.Type {
	case PromptText:
		if p.Text == "" {
			return fmt.Errorf("%w: text prompt requires text", ErrInvalidRequest)
		}
	case PromptPoint:
		if len(p.Points) == 0 || len(p.Points) != len(p.PointLabels) {
			return fmt.Errorf("%w: point prompt requires matching points and point_labels", ErrInvalidRequest)
		}
		for _, pt := range p.Points {
			if len(pt) != 2 {
				return fmt.Errorf("%w: point must be [x, y]", ErrInvalidRequest)
			}
		}
	case PromptBox:
		if len(p.Box) != 4 {
			return fmt.Errorf("%w: box prompt requires [cx, cy, w, h]", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown prompt type %q", ErrInvalidRequest, p.Type)
	}
	return nil
}

// ValidatePrompts validates a non-empty prompt list
func ValidatePrompts(prompts []Prompt) error {
	if len(prompts) == 0 {
		return fmt.Errorf("%w: at least one prompt is required", ErrInvalidRequest)
	}
	for _, p := range prompts {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SegmentResult holds engine output for one image/prompt pass
type SegmentResult struct {
	Masks  []string    `json:"masks" msgpack:"masks"` // RLE-encoded
	Boxes  [][]float64 `json:"boxes" msgpack:"boxes"` // [cx, cy, w, h] normalized
	Scores []float64   `json:"scores" msgpack:"scores"`
	Width  int         `json:"width" msgpack:"width"`
	Height int         `json:"height" msgpack:"height"`
}

// PromptResult is the engine response to adding a prompt on a video frame
type PromptResult struct {
	FrameIndex int         `msgpack:"frame_index"`
	ObjectIDs  []int       `msgpack:"obj_ids"`
	Masks      []string    `msgpack:"masks"`
	Boxes      [][]float64 `msgpack:"boxes"`
	Scores     []float64   `msgpack:"scores"`
}

// Features is an engine-produced image representation held by the cache
type Features struct {
	// Handle references engine-side memory, released on eviction
	Handle string `msgpack:"handle"`
	Data   []byte `msgpack:"data"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`

	// ByteSize is the engine-side footprint behind Handle, when reported
	ByteSize int64 `msgpack:"byte_size"`
}

// Size is the number of bytes the cache accounts for this entry: the larger
// of the engine-reported footprint and the inline data, plus the handle.
func (f *Features) Size() int64 {
	if f == nil {
		return 0
	}
	return max(f.ByteSize, int64(len(f.Data))) + int64(len(f.Handle))
}

// Direction controls which way tracking is propagated
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
	DirectionBoth     Direction = "both"
)

// ParseDirection validates a direction, defaulting to both
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "":
		return DirectionBoth, nil
	case DirectionForward, DirectionBackward, DirectionBoth:
		return Direction(s), nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidRequest, s)
}

// VideoObject is a single tracked object on a frame
type VideoObject struct {
	ID    int       `json:"id" msgpack:"id"`
	Mask  string    `json:"mask" msgpack:"mask"`
	Box   []float64 `json:"box" msgpack:"box"`
	Score float64   `json:"score" msgpack:"score"`
}

// FrameResult is the tracking output for one frame
type FrameResult struct {
	FrameIndex int           `json:"frame_index" msgpack:"frame_index"`
	Objects    []VideoObject `json:"objects" msgpack:"objects"`
}

// EngineSessionInfo is what the engine reports about one of its sessions
type EngineSessionInfo struct {
	NumFrames   int     `json:"num_frames" msgpack:"num_frames"`
	NumObjects  int     `json:"num_objects" msgpack:"num_objects"`
	GPUMemoryMB float64 `json:"gpu_memory_mb" msgpack:"gpu_memory_mb"`
}

// EngineInfo describes the loaded models
type EngineInfo struct {
	Loaded       bool     `json:"loaded" msgpack:"loaded"`
	Checkpoint   string   `json:"checkpoint" msgpack:"checkpoint"`
	Device       string   `json:"device" msgpack:"device"`
	MemoryMB     float64  `json:"memory_mb" msgpack:"memory_mb"`
	Capabilities []string `json:"capabilities" msgpack:"capabilities"`
	Version      string   `json:"version" msgpack:"version"`
}

// AddPromptRequest adds prompts to one frame of a video session
type AddPromptRequest struct {
	FrameIndex int      `msgpack:"frame_index"`
	Prompts    []Prompt `msgpack:"prompts"`
	// ObjectID refines an existing object; nil creates a new one
	ObjectID *int `msgpack:"obj_id"`
}

// PropagateRequest parameterizes a propagation run. Nil pointers mean
// "engine default" (start at frame 0, run to the end of the video).
type PropagateRequest struct {
	Direction       Direction `msgpack:"propagation_direction"`
	StartFrameIndex *int      `msgpack:"start_frame_index"`
	MaxFrames       *int      `msgpack:"max_frame_num_to_track"`
}

// Validate normalizes the direction and rejects negative bounds
func (r *PropagateRequest) Validate() error {
	dir, err := ParseDirection(string(r.Direction))
	if err != nil {
		return err
	}
	r.Direction = dir
	if r.StartFrameIndex != nil && *r.StartFrameIndex < 0 {
		return fmt.Errorf("%w: start_frame_index must be >= 0", ErrInvalidRequest)
	}
	if r.MaxFrames != nil && *r.MaxFrames < 0 {
		return fmt.Errorf("%w: max_frames must be >= 0", ErrInvalidRequest)
	}
	return nil
}
