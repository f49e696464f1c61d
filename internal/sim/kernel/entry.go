package kernel

import "mobsim.ai/internal/sim/kernel/msgbus"

// TickLogEntry summarizes one completed tick: what changed structurally, what
// agents emitted during Finalize, and a digest of the committed state.
type TickLogEntry struct {
	Frame      uint64               `json:"frame"`
	Ms         uint64               `json:"ms"`
	Population int                  `json:"population"`
	Scheduled  int                  `json:"scheduled"`
	Created    []Created            `json:"created,omitempty"`
	Removed    []ID                 `json:"removed,omitempty"`
	Swapped    []RoleChange         `json:"swapped,omitempty"`
	Migrated   []Migration          `json:"migrated,omitempty"`
	Faults     []Fault              `json:"faults,omitempty"`
	Messages   msgbus.DispatchStats `json:"messages"`
	Records    []Record             `json:"records,omitempty"`
	Digest     string               `json:"digest"`
}

type Created struct {
	Agent  ID     `json:"agent"`
	Parent ID     `json:"parent,omitempty"`
	Kind   string `json:"kind"`
	Worker int    `json:"worker"`
}

type RoleChange struct {
	Agent ID     `json:"agent"`
	From  string `json:"from"`
	To    string `json:"to"`
}

type Migration struct {
	Agent ID  `json:"agent"`
	From  int `json:"from"`
	To    int `json:"to"`
}

// absorbCarry prepends changes applied before the tick started and clears c.
func (e *TickLogEntry) absorbCarry(c *TickLogEntry) {
	if len(c.Created)+len(c.Removed)+len(c.Swapped)+len(c.Migrated) == 0 {
		return
	}
	e.Created = append(c.Created, e.Created...)
	e.Removed = append(c.Removed, e.Removed...)
	e.Swapped = append(c.Swapped, e.Swapped...)
	e.Migrated = append(c.Migrated, e.Migrated...)
	*c = TickLogEntry{}
}
