// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net/http"
	"time"

	jc "github.com/juju/testing/checkers"
	"github.com/prometheus/client_golang/prometheus"
	gc "gopkg.in/check.v1"

	loggertesting "github.com/relaysys/relay/internal/logger/testing"
)

type metricsSuite struct{}

var _ = gc.Suite(&metricsSuite{})

func (s *metricsSuite) TestMetricsServerServesAndShutsDown(c *gc.C) {
	srv, err := newMetricsServer(loggertesting.WrapCheckLog(c), "127.0.0.1:0", prometheus.NewRegistry())
	c.Assert(err, jc.ErrorIsNil)

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	c.Assert(err, jc.ErrorIsNil)
	resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Assert(srv.Shutdown(ctx), jc.ErrorIsNil)

	// The listener is gone once Shutdown returns.
	_, err = http.Get("http://" + srv.Addr + "/metrics")
	c.Check(err, gc.NotNil)
}

func (s *metricsSuite) TestMetricsServerBadAddress(c *gc.C) {
	_, err := newMetricsServer(loggertesting.WrapCheckLog(c), "127.0.0.1:-1", prometheus.NewRegistry())
	c.Check(err, gc.ErrorMatches, `listening on "127.0.0.1:-1".*`)
}
