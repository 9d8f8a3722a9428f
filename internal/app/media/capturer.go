package media

import "context"

type Constraints struct {
	Audio bool
	Video bool
}

// Capturer opens devices. Failures are *core.MediaAccessError.
type Capturer interface {
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)
	DisplayMedia(ctx context.Context) (*Stream, error)
}
