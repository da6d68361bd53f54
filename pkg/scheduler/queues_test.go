package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/crucible/pkg/broker"
	"github.com/cuemby/crucible/pkg/config"
)

func TestQueueSetShape(t *testing.T) {
	cfg := &config.Config{SupportedRunners: "all"}
	queues := QueueSet(cfg)

	// docker: 3 arch classes, opennebula: 4, costs 0-4 each, plus default.
	assert.Len(t, queues, (3+4)*5+1)

	queueRe := regexp.MustCompile(`^(docker|opennebula)-(aarch64|x86_64|ppc64le|s390x)-[0-4]$`)
	seen := make(map[string]bool)
	var hasDefault bool
	for _, q := range queues {
		assert.False(t, seen[q.Name], "duplicate queue %s", q.Name)
		seen[q.Name] = true
		if q.Name == broker.DefaultQueue {
			hasDefault = true
			continue
		}
		assert.Regexp(t, queueRe, q.Name)
	}
	assert.True(t, hasDefault, "queue set must include the default queue")

	assert.True(t, seen["docker-x86_64-0"])
	assert.True(t, seen["opennebula-s390x-4"])
	// The docker fleet has no s390x class.
	assert.False(t, seen["docker-s390x-0"])
}

func TestQueueSetHonorsRunnerRestriction(t *testing.T) {
	cfg := &config.Config{SupportedRunners: "docker"}
	queues := QueueSet(cfg)

	assert.Len(t, queues, 3*5+1)
	for _, q := range queues {
		assert.NotContains(t, q.Name, "opennebula")
	}
}

func TestQueueSetCarriesCost(t *testing.T) {
	cfg := &config.Config{SupportedRunners: "docker"}
	for _, q := range QueueSet(cfg) {
		if q.Name == broker.DefaultQueue {
			continue
		}
		assert.True(t, strings.HasSuffix(q.Name, fmt.Sprintf("-%d", q.Cost)),
			"queue %s does not carry its cost %d", q.Name, q.Cost)
	}
}
