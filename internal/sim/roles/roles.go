// Package roles holds the behaviours plugged into the kernel: road traffic,
// bus transit and a small bidding market. They are deliberately simple; the
// interesting part is how they use cells, messages and deferred requests.
package roles

import (
	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/kernel/msgbus"
	"mobsim.ai/internal/sim/network"
)

const (
	KindDriver       = "driver"
	KindWaitActivity = "wait_activity"
	KindPassenger    = "passenger"
	KindBusDriver    = "bus_driver"
	KindBusStop      = "bus_stop"
	KindBidder       = "bidder"
	KindSeller       = "seller"
	KindGenerator    = "generator"
)

const (
	MsgWaitRegister msgbus.Type = "stop.register"
	MsgBusArrival   msgbus.Type = "bus.arrival"
	MsgBoard        msgbus.Type = "stop.board"
	MsgBoarded      msgbus.Type = "bus.boarded"
	MsgAlight       msgbus.Type = "bus.alight"
	MsgBid          msgbus.Type = "market.bid"
	MsgBidResponse  msgbus.Type = "market.bid_rsp"
)

type WaitRegister struct {
	Dest network.StopID `json:"dest"`
}

type Arrival struct {
	Stop network.StopID `json:"stop"`
	Free int            `json:"free"`
}

type Boarding struct {
	Bus kernel.ID `json:"bus"`
}

// Directory resolves well-known agents (stop agents by stop, sellers). It is
// filled from Bind, which only runs at a flip, and read freely during ticks.
type Directory struct {
	stops   map[network.StopID]kernel.ID
	sellers []kernel.ID
}

func NewDirectory() *Directory {
	return &Directory{stops: map[network.StopID]kernel.ID{}}
}

func (d *Directory) Stop(id network.StopID) (kernel.ID, bool) {
	a, ok := d.stops[id]
	return a, ok
}

// Sellers returns the registered sellers in registration order. The slice
// must not be modified.
func (d *Directory) Sellers() []kernel.ID { return d.sellers }

func (d *Directory) registerStop(id network.StopID, agent kernel.ID) { d.stops[id] = agent }
func (d *Directory) registerSeller(agent kernel.ID)                  { d.sellers = append(d.sellers, agent) }

// stepSeconds is the simulated time covered by one update of the agent.
func stepSeconds(ctx *kernel.Context) float64 {
	g, _ := ctx.Self().Granularity()
	return float64(ctx.Env().TickMs) * float64(g) / 1000
}

// travel moves along links at free speed for secs seconds, starting at
// (*idx, *off). The last link is only travelled up to target. It reports
// whether the target was reached.
func travel(net *network.Network, links []network.LinkID, idx *int, off *float64, secs, target float64) bool {
	for {
		l, ok := net.Link(links[*idx])
		if !ok {
			return false
		}
		last := *idx == len(links)-1
		end := l.Length
		if last {
			end = target
		}
		remain := end - *off
		if remain > 0 {
			need := remain / l.FreeSpeed
			if secs < need {
				*off += secs * l.FreeSpeed
				return false
			}
			secs -= need
			*off = end
		}
		if last {
			return true
		}
		*idx++
		*off = 0
	}
}

// legTo lists the links from one location to another, both included.
func legTo(net *network.Network, from, to network.Location) ([]network.LinkID, error) {
	if from.Link == to.Link && to.Offset >= from.Offset {
		return []network.LinkID{from.Link}, nil
	}
	fl, _ := net.Link(from.Link)
	tl, _ := net.Link(to.Link)
	mid, err := net.ShortestPath(fl.To, tl.From)
	if err != nil {
		return nil, err
	}
	links := make([]network.LinkID, 0, len(mid)+2)
	links = append(links, from.Link)
	links = append(links, mid...)
	return append(links, to.Link), nil
}
