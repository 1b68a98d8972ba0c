package config

// Provider exposes the active configuration generation
type Provider interface {
	// Current returns the active generation; never nil after a successful load
	Current() *Generation

	// Subscribe registers fn to receive every new generation. The returned
	// function removes the subscription.
	Subscribe(fn Subscriber) (cancel func())
}

// Subscriber receives a newly adopted generation
type Subscriber func(gen *Generation)
