package registry

import "time"

// Availability describes whether an agent can accept work.
type Availability string

const (
	Available   Availability = "available"
	Busy        Availability = "busy"
	Unavailable Availability = "unavailable"
)

// Capability is one skill an agent offers, with rolling quality factors.
// All factors are kept within [0,1].
type Capability struct {
	Name        string  `json:"name"`
	Proficiency float64 `json:"proficiency"`
	Reliability float64 `json:"reliability"`
	Speed       float64 `json:"speed"`
	Accuracy    float64 `json:"accuracy"`
}

// Profile is the registry's record of one agent. Load, response time, and
// error rate are mutated only by the registry's dispatch/completion pair.
type Profile struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Capabilities []Capability  `json:"capabilities"`
	CurrentLoad  float64       `json:"current_load"`
	ResponseTime time.Duration `json:"response_time"`
	ErrorRate    float64       `json:"error_rate"`
	Availability Availability  `json:"availability"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`

	// inFlight counts dispatched-but-uncompleted steps. CurrentLoad is
	// derived from it so repeated dispatch/complete cycles stay exact.
	inFlight int
}

// Capability returns the named capability and whether it exists.
func (p *Profile) Capability(name string) (Capability, bool) {
	for _, c := range p.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// CapabilityNames returns the names of all capabilities.
func (p *Profile) CapabilityNames() []string {
	names := make([]string, len(p.Capabilities))
	for i, c := range p.Capabilities {
		names[i] = c.Name
	}
	return names
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
