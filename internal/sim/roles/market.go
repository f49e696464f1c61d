package roles

import (
	"io"
	"sort"

	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/kernel/cell"
)

type BidStatus string

const (
	BidAccepted     BidStatus = "accepted"
	BidNotAccepted  BidStatus = "not_accepted"
	BidNotAvailable BidStatus = "not_available"
)

type Bid struct {
	Value float64 `json:"value"`
}

type BidResponse struct {
	Status BidStatus `json:"status"`
	Price  float64   `json:"price"`
}

// Sale is emitted by a seller for every accepted bid.
type Sale struct {
	Bidder kernel.ID `json:"bidder"`
	Price  float64   `json:"price"`
	Left   int       `json:"left"`
}

type pendingBid struct {
	bidder kernel.ID
	value  float64
}

// Seller owns Units identical units. On each update it accepts the single
// best bid at or above its asking price and answers every other bidder. The
// asking price decays after an update without a sale, down to Floor.
type Seller struct {
	kernel.BaseRole
	Units  int
	Asking float64
	Floor  float64
	Decay  float64
	Dir    *Directory

	Available *cell.Cell[int]

	bids []pendingBid
	sold []Sale
}

func (s *Seller) Kind() string { return KindSeller }

func (s *Seller) Bind(self *kernel.Agent) {
	s.Available = cell.New(self.Cells(), s.Units)
	s.Dir.registerSeller(self.ID())
}

func (s *Seller) HandleMessage(ctx *kernel.Context, m kernel.Message) {
	if m.Type != MsgBid {
		return
	}
	s.bids = append(s.bids, pendingBid{bidder: m.Src, value: m.Payload.(Bid).Value})
}

func (s *Seller) Update(ctx *kernel.Context) error {
	sort.Slice(s.bids, func(i, j int) bool {
		if s.bids[i].value != s.bids[j].value {
			return s.bids[i].value > s.bids[j].value
		}
		return s.bids[i].bidder < s.bids[j].bidder
	})
	sold := false
	for i, b := range s.bids {
		rsp := BidResponse{Status: BidNotAccepted, Price: s.Asking}
		switch {
		case s.Units == 0:
			rsp.Status = BidNotAvailable
		case i == 0 && b.value >= s.Asking:
			rsp = BidResponse{Status: BidAccepted, Price: b.value}
			s.Units--
			sold = true
			s.sold = append(s.sold, Sale{Bidder: b.bidder, Price: b.value, Left: s.Units})
		}
		if err := ctx.Post(b.bidder, MsgBidResponse, rsp); err != nil {
			return err
		}
	}
	s.bids = s.bids[:0]
	if !sold && s.Decay > 0 {
		s.Asking = max(s.Asking*(1-s.Decay), s.Floor)
	}
	s.Available.Set(s.Units)
	return nil
}

func (s *Seller) Finalize(ctx *kernel.Context) error {
	for _, sale := range s.sold {
		if err := ctx.Emit("sale", sale); err != nil {
			return err
		}
	}
	s.sold = s.sold[:0]
	return nil
}

func (s *Seller) Digest(w io.Writer) {
	kernel.DigestU64(w, uint64(s.Units))
	kernel.DigestF64(w, s.Asking)
}

// Purchase is emitted by a bidder that won a unit, right before it leaves.
type Purchase struct {
	Seller kernel.ID `json:"seller"`
	Price  float64   `json:"price"`
	Tries  int       `json:"tries"`
}

// Bidder bids on one seller at a time, raising its offer after each
// rejection up to its willingness to pay. It leaves the market once a bid is
// accepted.
type Bidder struct {
	kernel.BaseRole
	WTP      float64
	MaxTries int
	// Patience is how many frames to wait for an answer before giving up on
	// a seller.
	Patience uint64
	Dir      *Directory

	seller   kernel.ID
	tries    int
	total    int
	waiting  bool
	sentAt   uint64
	accepted bool
	price    float64
	done     bool
}

func (b *Bidder) Kind() string { return KindBidder }

func (b *Bidder) Update(ctx *kernel.Context) error {
	if b.accepted {
		b.done = true
		ctx.RequestRemoval()
		return nil
	}
	frame := ctx.Tick().Frame
	if b.waiting {
		if b.Patience == 0 || frame-b.sentAt < b.Patience {
			return nil
		}
		b.waiting = false
		b.seller = 0
	}
	if b.seller == 0 || (b.MaxTries > 0 && b.tries >= b.MaxTries) {
		b.seller = b.pick(ctx)
		b.tries = 0
		if b.seller == 0 {
			return nil
		}
	}
	value := min(b.WTP*(0.6+0.1*float64(b.tries)), b.WTP)
	if err := ctx.Post(b.seller, MsgBid, Bid{Value: value}); err != nil {
		return err
	}
	b.waiting = true
	b.sentAt = frame
	b.total++
	return nil
}

// pick draws a seller that still had units at the last flip.
func (b *Bidder) pick(ctx *kernel.Context) kernel.ID {
	var open []kernel.ID
	for _, id := range b.Dir.Sellers() {
		a, ok := ctx.Lookup(id)
		if !ok {
			continue
		}
		if s, ok := a.Role().(*Seller); ok && s.Available.Get() > 0 {
			open = append(open, id)
		}
	}
	if len(open) == 0 {
		return 0
	}
	return open[ctx.Rand().Intn(len(open))]
}

func (b *Bidder) HandleMessage(ctx *kernel.Context, m kernel.Message) {
	if m.Type != MsgBidResponse || m.Src != b.seller {
		return
	}
	b.waiting = false
	rsp := m.Payload.(BidResponse)
	switch rsp.Status {
	case BidAccepted:
		b.accepted = true
		b.price = rsp.Price
	case BidNotAccepted:
		b.tries++
	case BidNotAvailable:
		b.seller = 0
	}
}

func (b *Bidder) Finalize(ctx *kernel.Context) error {
	if !b.done {
		return nil
	}
	return ctx.Emit("purchase", Purchase{Seller: b.seller, Price: b.price, Tries: b.total})
}

func (b *Bidder) Digest(w io.Writer) {
	kernel.DigestU64(w, uint64(b.seller))
	kernel.DigestU64(w, uint64(b.total))
	kernel.DigestF64(w, b.price)
}
