package bus

import "github.com/aide-run/aide/pkg/models"

// FuncSubscriber adapts a plain function to the Subscriber interface.
// Filter may be nil (handle everything the type subscription matched).
type FuncSubscriber struct {
	SubID       string
	SubPriority int
	Filter      func(models.Event) bool
	Handler     func(models.Event) error
}

// NewFuncSubscriber creates a subscriber from a handler function.
func NewFuncSubscriber(id string, priority int, handler func(models.Event) error) *FuncSubscriber {
	return &FuncSubscriber{SubID: id, SubPriority: priority, Handler: handler}
}

func (f *FuncSubscriber) ID() string    { return f.SubID }
func (f *FuncSubscriber) Priority() int { return f.SubPriority }

func (f *FuncSubscriber) CanHandle(e models.Event) bool {
	if f.Filter == nil {
		return true
	}
	return f.Filter(e)
}

func (f *FuncSubscriber) Handle(e models.Event) error { return f.Handler(e) }
