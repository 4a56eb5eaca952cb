package pipeline

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/mini-rodalies-3d/tracker/internal/predictive"
)

// RenderedVehicle is what a renderer needs for one vehicle.
type RenderedVehicle struct {
	VehicleKey   string            `json:"vehicleKey"`
	Line         string            `json:"line,omitempty"`
	TripID       string            `json:"tripId,omitempty"`
	Status       Status            `json:"status"`
	Position     orb.Point         `json:"position"`
	Heading      float64           `json:"heading"`
	Source       predictive.Source `json:"source"`
	SpeedAnomaly bool              `json:"speedAnomaly"`
	Parked       bool              `json:"parked"`
	LastSeen     time.Time         `json:"lastSeen"`
}

// Frame is an immutable copy of the pipeline output at one instant, safe to
// hand to other goroutines.
type Frame struct {
	At           time.Time         `json:"at"`
	LastPolledAt time.Time         `json:"lastPolledAt"`
	Zoom         float64           `json:"zoom"`
	Vehicles     []RenderedVehicle `json:"vehicles"`
	Diagnostics  []Diagnostic      `json:"diagnostics"`
}

// Frame captures the current render output.
func (p *Pipeline) Frame(at time.Time) *Frame {
	f := &Frame{
		At:           at,
		LastPolledAt: p.lastPolledAt,
		Zoom:         p.zoom,
		Vehicles:     make([]RenderedVehicle, 0, len(p.vehicles)),
		Diagnostics:  p.Diagnostics(),
	}
	for _, k := range p.Keys() {
		st := p.vehicles[k]
		f.Vehicles = append(f.Vehicles, RenderedVehicle{
			VehicleKey:   st.Key,
			Line:         st.Line,
			TripID:       st.TripID,
			Status:       st.Status,
			Position:     p.renderPoint(st),
			Heading:      st.Heading,
			Source:       st.Source,
			SpeedAnomaly: st.SpeedAnomaly,
			Parked:       st.Parking != nil,
			LastSeen:     st.LastSeen,
		})
	}
	return f
}

// Vehicle finds a vehicle in the frame.
func (f *Frame) Vehicle(key string) (RenderedVehicle, bool) {
	for _, v := range f.Vehicles {
		if v.VehicleKey == key {
			return v, true
		}
	}
	return RenderedVehicle{}, false
}
