package encdec

type Options struct {
	// EmbedDim is the width of token embeddings, encodings and decoder
	// state.
	EmbedDim int `json:"embed_dim,omitempty"`
}

func (o *Options) defaults() {
	if o.EmbedDim == 0 {
		o.EmbedDim = 64
	}
}
