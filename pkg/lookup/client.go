// Package lookup implements a streaming join against a remote lookup index.
//
// Each input page is tagged with a batch id and its match-key blocks are
// shipped through an exchange Client. The remote side answers with zero or
// more sub-pages per batch, the last of which carries the Last flag. A
// sub-page's first block holds the left positions it matched; the remaining
// blocks hold the right-side values. Sub-pages of one batch arrive in order,
// sub-pages of different batches may interleave.
package lookup

import (
	"github.com/sandboxws/isotope/compute/pkg/operator"
	"github.com/sandboxws/isotope/compute/pkg/page"
)

// PositionsColumn names the first block of every response sub-page.
const PositionsColumn = "positions"

// Client is one end of an exchange. Implementations are goroutine-safe; the
// operator calls them from its driver goroutine while deliveries happen on
// others.
type Client interface {
	// SendPage ships a request page. The client takes ownership of p.
	SendPage(p *page.Page) error

	// PollPage returns the next received sub-page, or nil if none is queued.
	PollPage() *page.Page

	// HasReadyData reports whether PollPage would return a page.
	HasReadyData() bool

	// IsDrained reports that no further sub-page will ever arrive.
	IsDrained() bool

	// WaitForReady completes when data is ready or the client is drained.
	WaitForReady() *operator.Future

	// WaitForRemoteStatus completes when the remote side has reported its
	// final status, successful or not.
	WaitForRemoteStatus() *operator.Future

	// Failure returns the first failure seen by the exchange, or nil.
	Failure() error

	// Finish announces that no more requests will be sent.
	Finish()

	// Close releases everything the client holds.
	Close()
}
