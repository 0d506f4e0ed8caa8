package settlement

// Report counts what a sweep did.
type Report struct {
	Seller string `json:"seller"`

	Requests   int `json:"requests"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Offers     int `json:"offers"`
	OutOfStock int `json:"out_of_stock"`

	Expired   int `json:"expired"`
	Settled   int `json:"settled"`
	Cancelled int `json:"cancelled"`
	Queued    int `json:"queued"`
	Retried   int `json:"retried"`
}

func (r *Report) add(o Report) {
	r.Requests += o.Requests
	r.Duplicates += o.Duplicates
	r.Rejected += o.Rejected
	r.Offers += o.Offers
	r.OutOfStock += o.OutOfStock
	r.Expired += o.Expired
	r.Settled += o.Settled
	r.Cancelled += o.Cancelled
	r.Queued += o.Queued
	r.Retried += o.Retried
}
