package monzo

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/baely/monzo/internal/common/errors"
)

// PageSize is the number of transactions requested per page
const PageSize = 30

type transactionsResponse struct {
	Transactions *[]Transaction `json:"transactions"`
}

func (r *transactionsResponse) valid() bool { return r.Transactions != nil }

// Transactions returns every transaction on the account since the start of
// the given day, oldest first. Pages are fetched lazily as the sequence is
// ranged over; the cursor for each following page is the id of the last
// transaction received, so same-instant transactions are neither skipped
// nor repeated.
//
// The sequence can be ranged over once. A second pass yields
// ErrSequenceConsumed.
func (c *Client) Transactions(ctx context.Context, accountID string, since time.Time) iter.Seq2[Transaction, error] {
	var consumed atomic.Bool

	return func(yield func(Transaction, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(Transaction{}, ErrSequenceConsumed)
			return
		}

		cursor := since.Format("2006-01-02") + "T00:00:00Z"
		for {
			page, err := c.transactionPage(ctx, accountID, cursor)
			if err != nil {
				yield(Transaction{}, err)
				return
			}

			for _, tx := range page {
				if !yield(tx, nil) {
					return
				}
			}

			if len(page) < PageSize {
				return
			}
			cursor = page[len(page)-1].ID
		}
	}
}

func (c *Client) transactionPage(ctx context.Context, accountID, since string) ([]Transaction, error) {
	query := url.Values{
		"account_id": {accountID},
		"since":      {since},
		"limit":      {strconv.Itoa(PageSize)},
	}

	var resp transactionsResponse
	if err := c.request(ctx, http.MethodGet, "transactions", query, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to get transactions for %s since %s", accountID, since)
	}
	return *resp.Transactions, nil
}
