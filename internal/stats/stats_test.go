/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	p := New()

	p.IncResponse("ack")
	p.IncResponse("ack")
	p.IncResponse("nak")
	require.Equal(t, float64(2), testutil.ToFloat64(p.responses.WithLabelValues("ack")))
	require.Equal(t, float64(1), testutil.ToFloat64(p.responses.WithLabelValues("nak")))

	p.IncForwardAttempt("success")
	require.Equal(t, float64(1), testutil.ToFloat64(p.forwardAttempts.WithLabelValues("success")))

	p.SetQueueDepth(42)
	require.Equal(t, float64(42), testutil.ToFloat64(p.queueDepth))

	p.IncConnections()
	p.IncConnections()
	p.DecConnections()
	require.Equal(t, float64(1), testutil.ToFloat64(p.connections))
}
