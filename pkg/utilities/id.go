package utilities

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// NewKSUID generates a new globally unique, time-sortable KSUID string.
// Used for request ids.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewUUID returns a random v4 UUID string, the primary key format of users,
// sessions and verifications.
func NewUUID() string {
	return uuid.NewString()
}

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// defaultNode lazily builds the process-wide snowflake node from SNOWFLAKE_NODE.
// A single node must be shared, two nodes with the same id emit duplicates
// within the same millisecond.
func defaultNode() *snowflake.Node {
	nodeOnce.Do(func() {
		var nodeID int64 = 1
		if v := os.Getenv("SNOWFLAKE_NODE"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				nodeID = n
			}
		}
		n, err := snowflake.NewNode(nodeID)
		if err != nil {
			// out of range node id
			n, _ = snowflake.NewNode(1)
		}
		node = n
	})
	return node
}

// NewSnowflakeID returns the next id from the process-wide node.
func NewSnowflakeID() int64 {
	return defaultNode().Generate().Int64()
}
