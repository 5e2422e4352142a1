// RDP MITM Go - Intercepting relay for RDP sessions
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered returns the value of the counter or gauge sample of name whose
// labels include every pair in labels.
func gathered(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("no sample %s%v", name, labels)
	return 0
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionEnded(time.Second)
		m.Negotiated("ssl")
		m.PDU(LegClient, "mcs")
		m.Bytes(LegServer, 10)
		m.ForgedRequest("read", "ok")
		m.FileExtracted(10, false)
		m.CredentialsCaptured("client_info")
		m.ClipboardTransfer("text")
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded(30 * time.Second)
	assert.Equal(t, float64(2), gathered(t, reg, "rdpmitm_sessions_total"))
	assert.Equal(t, float64(1), gathered(t, reg, "rdpmitm_sessions_active"))

	m.FileExtracted(100, false)
	m.FileExtracted(100, true)
	m.FileExtracted(50, false)
	assert.Equal(t, float64(2), gathered(t, reg, "rdpmitm_files_extracted_total", "outcome", "saved"))
	assert.Equal(t, float64(1), gathered(t, reg, "rdpmitm_files_extracted_total", "outcome", "duplicate"))
	assert.Equal(t, float64(150), gathered(t, reg, "rdpmitm_extracted_bytes_total"))

	m.ForgedRequest("list", "ok")
	m.ForgedRequest("list", "error")
	m.ForgedRequest("list", "ok")
	assert.Equal(t, float64(2), gathered(t, reg, "rdpmitm_forged_requests_total", "kind", "list", "outcome", "ok"))
	assert.Equal(t, float64(1), gathered(t, reg, "rdpmitm_forged_requests_total", "kind", "list", "outcome", "error"))

	m.Bytes(LegClient, 512)
	m.Bytes(LegClient, 512)
	assert.Equal(t, float64(1024), gathered(t, reg, "rdpmitm_bytes_total", "leg", LegClient))

	m.CredentialsCaptured("netntlmv2")
	assert.Equal(t, float64(1), gathered(t, reg, "rdpmitm_credentials_captured_total", "source", "netntlmv2"))
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	New(reg)
	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["rdpmitm_sessions_active"])
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
