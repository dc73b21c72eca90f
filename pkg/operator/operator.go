// Package operator defines the contract every pipeline stage implements.
//
// Stages are driven by a single goroutine. The driver pushes pages into a
// stage with AddInput when NeedsInput reports true and pulls results with
// GetOutput. A stage that is waiting on something outside the pipeline
// reports it through IsBlocked; nothing else ever suspends the driver.
package operator

import (
	"errors"
	"fmt"

	"github.com/sandboxws/isotope/compute/pkg/page"
)

// ErrContractViolation is the panic value (wrapped) raised when a caller
// breaks the operator contract, for example by pushing input into a stage
// that did not ask for it.
var ErrContractViolation = errors.New("operator contract violation")

// Operator is a stage with both an input and an output side.
type Operator interface {
	// NeedsInput reports whether AddInput may be called now.
	NeedsInput() bool

	// AddInput hands a page to the operator, which takes ownership of it.
	// Calling it while NeedsInput is false panics with ErrContractViolation.
	AddInput(p *page.Page) error

	// GetOutput returns the next output page or nil if none is ready.
	// The caller owns the returned page.
	GetOutput() (*page.Page, error)

	// Finish signals that no more input will arrive.
	Finish()

	// IsFinished reports that the operator will produce no more output.
	IsFinished() bool

	// IsBlocked returns NotBlocked or a future that completes when the
	// operator can make progress again.
	IsBlocked() *Future

	// CanProduceMoreDataWithoutExtraInput reports whether GetOutput may
	// return more pages before any further AddInput.
	CanProduceMoreDataWithoutExtraInput() bool

	// Close releases everything the operator owns. It is safe to call at any
	// point and more than once.
	Close() error
}

// Source is the first stage of a pipeline. It has no input side.
type Source interface {
	GetOutput() (*page.Page, error)
	Finish()
	IsFinished() bool
	IsBlocked() *Future
	Close() error
}

// Sink is the last stage of a pipeline. It has no output side.
type Sink interface {
	NeedsInput() bool
	AddInput(p *page.Page) error
	Finish()
	IsFinished() bool
	IsBlocked() *Future
	Close() error
}

// Opener is implemented by stages that need the execution context before
// the first call. The driver calls Open once, before anything else.
type Opener interface {
	Open(ctx *Context) error
}

// MustNeedInput panics with ErrContractViolation if needsInput is false.
// Operators call it at the top of AddInput.
func MustNeedInput(needsInput bool, name string) {
	if !needsInput {
		panic(fmt.Errorf("%w: %s received input while not accepting any", ErrContractViolation, name))
	}
}
