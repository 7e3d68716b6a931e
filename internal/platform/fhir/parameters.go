package fhir

// Parameters is the FHIR Parameters resource used for operation output and
// for the backport SubscriptionStatus profile.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Meta         *Meta       `json:"meta,omitempty"`
	Parameter    []Parameter `json:"parameter,omitempty"`
}

type Parameter struct {
	Name             string      `json:"name"`
	ValueString      string      `json:"valueString,omitempty"`
	ValueCode        string      `json:"valueCode,omitempty"`
	ValueCanonical   string      `json:"valueCanonical,omitempty"`
	ValueReference   *Reference  `json:"valueReference,omitempty"`
	ValueUnsignedInt *int64      `json:"valueUnsignedInt,omitempty"`
	Part             []Parameter `json:"part,omitempty"`
}

// NewParameters creates an empty Parameters resource, optionally claiming profiles.
func NewParameters(id string, profiles ...string) *Parameters {
	p := &Parameters{ResourceType: "Parameters", ID: id}
	if len(profiles) > 0 {
		p.Meta = &Meta{Profile: profiles}
	}
	return p
}

// Add appends a parameter and returns p for chaining.
func (p *Parameters) Add(param Parameter) *Parameters {
	p.Parameter = append(p.Parameter, param)
	return p
}

// Get returns the first parameter with the given name.
func (p *Parameters) Get(name string) (Parameter, bool) {
	for _, param := range p.Parameter {
		if param.Name == name {
			return param, true
		}
	}
	return Parameter{}, false
}

// UnsignedInt is a helper for building valueUnsignedInt parameters.
func UnsignedInt(v int64) *int64 {
	return &v
}
