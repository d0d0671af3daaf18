package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

type zkConn interface {
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Exists(path string) (bool, *zk.Stat, error)
	Close()
}

// ZooKeeperCatalog stores each table pointer in its own znode and relies on
// znode versions for compare-and-swap.
type ZooKeeperCatalog struct {
	conn     zkConn
	rootPath string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZooKeeperCatalog(servers []string, rootPath string) (*ZooKeeperCatalog, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	c := &ZooKeeperCatalog{conn: conn, rootPath: rootPath}
	if err := waitConnected(conn, 10*time.Second); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.ensurePath(rootPath + "/tables"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure tables path: %w", err)
	}
	return c, nil
}

func (c *ZooKeeperCatalog) Close() error {
	c.conn.Close()
	return nil
}

func (c *ZooKeeperCatalog) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := c.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = c.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (c *ZooKeeperCatalog) nodePath(table string) string {
	return fmt.Sprintf("%s/tables/%s", c.rootPath, table)
}

func (c *ZooKeeperCatalog) LoadCurrent(ctx context.Context, table string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, _, err := c.conn.Get(c.nodePath(table))
	if errors.Is(err, zk.ErrNoNode) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("zk get %s: %w", table, err)
	}
	return parseSnapshotID(data)
}

func (c *ZooKeeperCatalog) CASAdvance(ctx context.Context, table string, expected, next int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path := c.nodePath(table)
	payload := []byte(strconv.FormatInt(next, 10))

	data, stat, err := c.conn.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		if expected != 0 {
			return false, nil
		}
		_, err = c.conn.Create(path, payload, 0, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("zk create %s: %w", table, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("zk get %s: %w", table, err)
	}

	current, err := parseSnapshotID(data)
	if err != nil {
		return false, err
	}
	if current != expected {
		return false, nil
	}

	_, err = c.conn.Set(path, payload, stat.Version)
	if errors.Is(err, zk.ErrBadVersion) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("zk set %s: %w", table, err)
	}
	return true, nil
}

func parseSnapshotID(data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing snapshot pointer %q: %w", data, err)
	}
	return id, nil
}

func waitConnected(conn *zk.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
