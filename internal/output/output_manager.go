package output

import (
	"errors"

	"github.com/tkjaer/pong/internal/shared"
)

// Output interface for different output types
type Output interface {
	Start(info shared.OutputInfo)
	Sample(sample shared.Sample)
	Complete(stats shared.Stats)
	Close() error
}

// OutputManager manages multiple outputs
type OutputManager struct {
	outputs []Output
}

func (om *OutputManager) Register(o Output) {
	om.outputs = append(om.outputs, o)
}

func (om *OutputManager) Start(info shared.OutputInfo) {
	for _, o := range om.outputs {
		o.Start(info)
	}
}

func (om *OutputManager) Sample(sample shared.Sample) {
	for _, o := range om.outputs {
		o.Sample(sample)
	}
}

func (om *OutputManager) Complete(stats shared.Stats) {
	for _, o := range om.outputs {
		o.Complete(stats)
	}
}

func (om *OutputManager) Close() error {
	var errs []error
	for _, o := range om.outputs {
		errs = append(errs, o.Close())
	}
	return errors.Join(errs...)
}
