package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorRecords(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.RecordTransition("shield", "verify", nil)
	c.RecordTransition("shield", "verify", errors.New("bad proof"))
	c.RecordTransition("shield", "verify", nil)
	c.RecordRateLimited("transfer")
	c.SetPoolState("main", 7, 3, 2)
	c.RecordVerification("groth16", time.Millisecond)
	c.RecordRequest("POST", "/v1/pools/:owner/operations", 201, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.operations.WithLabelValues("shield", "verify", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("shield", "verify", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimited.WithLabelValues("transfer")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.treeSize.WithLabelValues("main")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.verifyDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(c.requests))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTransition("shield", "apply", nil)
		c.RecordError("NotFound")
		c.SetPoolState("main", 1, 1, 1)
	})
}
