package fleet

import (
	"encoding/json"
)

// Team is a group of hosts on the Fleet server. Read-only to this tool.
type Team struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// AutomationKind says which remediation action a policy is configured with.
type AutomationKind int

const (
	AutomationNone = AutomationKind(iota)
	AutomationScript
	AutomationSoftware
)

func (k AutomationKind) String() string {
	switch k {
	case AutomationScript:
		return "script"
	case AutomationSoftware:
		return "software"
	default:
		return "none"
	}
}

// Automation is the remediation action bound to a policy. A policy has at
// most one active kind; when the server response carries both, script wins.
type Automation struct {
	Kind            AutomationKind
	ScriptID        uint
	SoftwareTitleID uint
}

// Policy is a compliance rule evaluated per host.
type Policy struct {
	ID         uint
	Name       string
	Automation Automation
}

type policyScriptRef struct {
	ID   uint   `json:"id"`
	Name string `json:"name,omitempty"`
}

type policySoftwareRef struct {
	SoftwareTitleID uint   `json:"software_title_id"`
	Name            string `json:"name,omitempty"`
}

type policyJSON struct {
	ID              uint               `json:"id"`
	Name            string             `json:"name"`
	RunScript       *policyScriptRef   `json:"run_script,omitempty"`
	InstallSoftware *policySoftwareRef `json:"install_software,omitempty"`
}

// UnmarshalJSON folds the server's automation descriptor fields into a
// single tagged Automation at ingestion time, so dispatch never probes raw
// JSON. Script takes precedence over software when both are present.
func (p *Policy) UnmarshalJSON(b []byte) error {
	var raw policyJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.ID = raw.ID
	p.Name = raw.Name
	switch {
	case raw.RunScript != nil && raw.RunScript.ID != 0:
		p.Automation = Automation{Kind: AutomationScript, ScriptID: raw.RunScript.ID}
	case raw.InstallSoftware != nil && raw.InstallSoftware.SoftwareTitleID != 0:
		p.Automation = Automation{Kind: AutomationSoftware, SoftwareTitleID: raw.InstallSoftware.SoftwareTitleID}
	default:
		p.Automation = Automation{Kind: AutomationNone}
	}
	return nil
}

// HostPolicy is a host's compliance response for one policy.
type HostPolicy struct {
	ID       uint   `json:"id"`
	Response string `json:"response"`
}

// Host compliance responses as reported by the server.
const (
	ResponsePass = "pass"
	ResponseFail = "fail"
)

type Host struct {
	ID       uint         `json:"id"`
	Hostname string       `json:"hostname"`
	Policies []HostPolicy `json:"policies"`
}

// FailingPolicy reports whether this host's response for the given policy
// id is an explicit fail. Pass, unknown, and absent responses are not
// remediation candidates.
func (h *Host) FailingPolicy(policyID uint) bool {
	for _, hp := range h.Policies {
		if hp.ID == policyID {
			return hp.Response == ResponseFail
		}
	}
	return false
}

type teamsResponse struct {
	Teams []Team `json:"teams"`
}

type policiesResponse struct {
	Policies []Policy `json:"policies"`
}

type hostsResponse struct {
	Hosts []Host `json:"hosts"`
}
