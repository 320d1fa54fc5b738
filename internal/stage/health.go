package stage

// Health is one stage's readiness as last probed.
type Health struct {
	Name   Name   `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

func Healthy(name Name) Health { return Health{Name: name, Ready: true} }

// Unhealthy records why name cannot currently take work.
func Unhealthy(name Name, detail string) Health {
	return Health{Name: name, Detail: detail}
}
