// internal/pkg/zookeeper/conn.go
package zookeeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"odf/internal/pkg/logger"
)

// Connect 建立 ZooKeeper 会话，并等待会话真正建立
func Connect(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("zookeeper: no servers configured")
	}
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zookeeper: connect: %w", err)
	}

	deadline := time.After(sessionTimeout)
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				logger.Ctx(context.Background()).Info().Strs("servers", servers).Msg("✅ Connected to ZooKeeper.")
				return conn, nil
			}
		case <-deadline:
			conn.Close()
			return nil, fmt.Errorf("zookeeper: session not established within %v", sessionTimeout)
		}
	}
}

// EnsurePath 逐级创建持久节点，已存在的节点直接跳过
func EnsurePath(conn *zk.Conn, path string) error {
	if path == "" || path == "/" {
		return nil
	}
	current := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		current += "/" + part
		_, err := conn.Create(current, []byte(""), 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("zookeeper: create %s: %w", current, err)
		}
	}
	return nil
}
