package coordinator

import (
	"context"

	"offergate/internal/breaker"
	"offergate/internal/offer"
	"offergate/internal/reconcile"
)

// WrapFetcher guards an active-offers fetcher with a circuit breaker.
// An open circuit surfaces as breaker.ErrOpen, which the reconcile
// engine treats as an ordinary fetch failure, so trips never turn into
// retry storms.
func WrapFetcher(b *breaker.Breaker, f reconcile.Fetcher) reconcile.Fetcher {
	return reconcile.FetcherFunc(func(ctx context.Context, force bool, cursor string) (reconcile.Result, error) {
		var res reconcile.Result
		err := b.Do(func() error {
			var ferr error
			res, ferr = f.FetchActive(ctx, force, cursor)
			return ferr
		})
		return res, err
	})
}

// WrapByID guards an offer-by-id fetcher with a circuit breaker.
func WrapByID(b *breaker.Breaker, f ByIDFetcher) ByIDFetcher {
	return ByIDFetcherFunc(func(ctx context.Context, id string) (offer.Offer, error) {
		var o offer.Offer
		err := b.Do(func() error {
			var ferr error
			o, ferr = f.FetchByID(ctx, id)
			return ferr
		})
		return o, err
	})
}
