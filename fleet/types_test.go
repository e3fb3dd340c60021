package fleet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyAutomationParsing(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		want Automation
	}{
		{
			"no automation",
			`{"id": 1, "name": "Disk encryption"}`,
			Automation{Kind: AutomationNone},
		},
		{
			"script",
			`{"id": 2, "name": "Firewall", "run_script": {"id": 42, "name": "enable-fw.sh"}}`,
			Automation{Kind: AutomationScript, ScriptID: 42},
		},
		{
			"software",
			`{"id": 3, "name": "EDR installed", "install_software": {"software_title_id": 7, "name": "sensor"}}`,
			Automation{Kind: AutomationSoftware, SoftwareTitleID: 7},
		},
		{
			// a policy should never declare both, but if the server sends
			// both, script wins
			"both declared",
			`{"id": 4, "name": "Odd one", "run_script": {"id": 42}, "install_software": {"software_title_id": 7}}`,
			Automation{Kind: AutomationScript, ScriptID: 42},
		},
		{
			"script ref with zero id is not an automation",
			`{"id": 5, "name": "Empty ref", "run_script": {"id": 0}}`,
			Automation{Kind: AutomationNone},
		},
		{
			"zero script falls through to software",
			`{"id": 6, "name": "Half empty", "run_script": {"id": 0}, "install_software": {"software_title_id": 7}}`,
			Automation{Kind: AutomationSoftware, SoftwareTitleID: 7},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var p Policy
			require.NoError(t, json.Unmarshal([]byte(tc.body), &p))
			assert.Equal(t, tc.want, p.Automation)
		})
	}
}

func TestHostFailingPolicy(t *testing.T) {
	assert := assert.New(t)

	h := Host{
		ID:       1,
		Hostname: "laptop-1",
		Policies: []HostPolicy{
			{ID: 10, Response: ResponseFail},
			{ID: 11, Response: ResponsePass},
			{ID: 12, Response: ""},
		},
	}

	assert.True(h.FailingPolicy(10))
	assert.False(h.FailingPolicy(11))
	// unknown response is not a candidate
	assert.False(h.FailingPolicy(12))
	// absent policy is not a candidate
	assert.False(h.FailingPolicy(99))
}
