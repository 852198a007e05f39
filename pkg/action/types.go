package action

// Type represents the functional category of an action.
type Type string

const (
	// TypeLending actions submit state changing transactions to the pool.
	TypeLending Type = "lending"
	// TypeQuery actions answer questions without touching chain state.
	TypeQuery Type = "query"
)

// Capability expresses optional features an action may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityTransact   Capability = "transact"
)

// Info contains descriptive metadata for an action implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Type
	Capabilities []Capability
}
