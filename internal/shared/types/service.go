package types

import "fmt"

// ParamType is the wire encoding of one argument or result.
type ParamType string

const (
	ParamInt64   ParamType = "i64"
	ParamUint64  ParamType = "u64"
	ParamFloat64 ParamType = "f64"
	ParamBool    ParamType = "bool"
	ParamString  ParamType = "string"
	// ParamFloats is a count word followed by that many f64 words.
	ParamFloats ParamType = "[]f64"
)

// Param describes one argument or result.
type Param struct {
	Name string    `json:"name" yaml:"name"`
	Type ParamType `json:"type" yaml:"type"`
	// Max bounds strings on decode.
	Max int `json:"max,omitempty" yaml:"max,omitempty"`
}

// Op is one operation of a service.
type Op struct {
	Code        uint64  `json:"code"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Args        []Param `json:"args,omitempty"`
	Returns     []Param `json:"returns,omitempty"`
}

// Service describes a served protocol.
type Service struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Protocol    int64  `json:"protocol"`
	Ops         []Op   `json:"ops"`
}

// Op returns the operation called name.
func (s Service) Op(name string) (Op, error) {
	for _, op := range s.Ops {
		if op.Name == name {
			return op, nil
		}
	}
	return Op{}, fmt.Errorf("service %s has no operation %q", s.ID, name)
}
