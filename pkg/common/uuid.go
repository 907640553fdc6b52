package common

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	snowflakeNode *snowflake.Node
	snowflakeOnce sync.Once
)

func node() *snowflake.Node {
	snowflakeOnce.Do(func() {
		n, err := snowflake.NewNode(int64(uuid.New().ID() % 1024))
		if err != nil {
			panic(err)
		}
		snowflakeNode = n
	})
	return snowflakeNode
}

// UUIDint64 returns a time ordered unique int64 id.
func UUIDint64() int64 {
	return node().Generate().Int64()
}

// UUID returns a random RFC 4122 string id.
func UUID() string {
	return uuid.New().String()
}
