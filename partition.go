package exshopify

import "context"

// PartitionDispatcher is a simplified view of a Dispatcher
// bound to a single partition key.
type PartitionDispatcher interface {
	Key() PartitionKey

	// Submit admits a request for the bound partition.
	// The request target is not used to derive the key.
	Submit(req *Request) (*Handle, error)

	// Do submits a request for the bound partition and waits for its outcome.
	Do(ctx context.Context, req *Request) (*Response, error)

	Stats() (PartitionStatistics, error)
}

type partitionProxy struct {
	proxied *dispatcher
	key     PartitionKey
}

func (p *partitionProxy) Key() PartitionKey {
	return p.key
}

func (p *partitionProxy) Submit(req *Request) (*Handle, error) {
	return p.proxied.SubmitTo(p.key, req)
}

func (p *partitionProxy) Do(ctx context.Context, req *Request) (*Response, error) {
	h, err := p.proxied.SubmitTo(p.key, req)
	if err != nil {
		return nil, err
	}
	return waitOrCancel(ctx, h)
}

func (p *partitionProxy) Stats() (PartitionStatistics, error) {
	return p.proxied.Stats(p.key)
}
