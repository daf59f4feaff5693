package inference

import "context"

// Result is what one adapter call produces for one image.
type Result struct {
	// Overlay is the primary visualization, PNG encoded.
	Overlay []byte
	// Metadata is the detection record. Its shape belongs to the model.
	// Values must be JSON-like: maps, []any, strings, bools and numbers.
	// Numbers do not keep their Go type across the gRPC adapter, where every
	// number comes back as float64; the JSON encoding is the same either way.
	Metadata map[string]any
	// Secondary is an optional saliency-style image. Nil when the model
	// does not produce one.
	Secondary []byte
}

// Adapter runs the model on a single encoded image.
type Adapter interface {
	Run(ctx context.Context, image []byte) (*Result, error)
}
