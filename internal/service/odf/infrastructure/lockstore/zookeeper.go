// internal/service/odf/infrastructure/lockstore/zookeeper.go
package lockstore

import (
	"context"
	"net/url"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"

	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

// zkConn 是 *zk.Conn 中锁存储用到的方法
type zkConn interface {
	Get(path string) ([]byte, *zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	Multi(ops ...interface{}) ([]zk.MultiResponse, error)
	Delete(path string, version int32) error
}

// ZookeeperStore 在 root 下为每个锁键保存一个持久节点，节点数据为锁记录。
// 批量加锁通过 Multi 原子提交，已存在的节点用版本号做 compare-and-set。
type ZookeeperStore struct {
	conn zkConn
	root string
}

var _ port.LockStore = (*ZookeeperStore)(nil)

// NewZookeeperStore 要求 root 节点已存在（见 zookeeper.EnsurePath）
func NewZookeeperStore(conn zkConn, root string) *ZookeeperStore {
	return &ZookeeperStore{conn: conn, root: root}
}

func (s *ZookeeperStore) nodePath(key string) string {
	return s.root + "/" + url.PathEscape(key)
}

func (s *ZookeeperStore) Acquire(_ context.Context, locks []domain.SerialLock, now time.Time) error {
	ops := make([]interface{}, 0, len(locks))
	for _, l := range locks {
		data, err := encodeRecord(l)
		if err != nil {
			return errors.Wrap(err, "encode lock record")
		}
		path := s.nodePath(l.Key())

		cur, stat, err := s.conn.Get(path)
		switch {
		case err == zk.ErrNoNode:
			ops = append(ops, &zk.CreateRequest{Path: path, Data: data, Acl: zk.WorldACL(zk.PermAll)})
			continue
		case err != nil:
			return errors.Wrapf(err, "zookeeper lock store: get %s", path)
		}

		holder, err := decodeRecord(cur)
		if err == nil && conflicts(holder, l, now) {
			return conflictError(holder)
		}
		ops = append(ops, &zk.SetDataRequest{Path: path, Data: data, Version: stat.Version})
	}
	if len(ops) == 0 {
		return nil
	}

	// 读取和提交之间节点被其他实例改动时，Multi 以 NodeExists / BadVersion 整体失败
	if err := multiError(s.conn.Multi(ops...)); err != nil {
		if err == zk.ErrNodeExists || err == zk.ErrBadVersion || err == zk.ErrNoNode {
			return errors.Wrap(domain.ErrLockConflict, "lock changed concurrently")
		}
		return errors.Wrap(err, "zookeeper lock store: multi")
	}
	return nil
}

// Release 读取节点确认持有者后按版本删除，读取之后被改写的节点保留
func (s *ZookeeperStore) Release(_ context.Context, owner string, keys []string) error {
	for _, k := range keys {
		path := s.nodePath(k)
		data, stat, err := s.conn.Get(path)
		if err == zk.ErrNoNode {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "zookeeper lock store: get %s", k)
		}
		if l, err := decodeRecord(data); err != nil || l.Owner != owner {
			continue
		}
		if err := s.conn.Delete(path, stat.Version); err != nil && err != zk.ErrNoNode && err != zk.ErrBadVersion {
			return errors.Wrapf(err, "zookeeper lock store: delete %s", k)
		}
	}
	return nil
}

func (s *ZookeeperStore) ReleaseOrder(_ context.Context, orderID int64) (int, error) {
	return s.deleteWhere(func(l domain.SerialLock) bool { return l.OrderID == orderID })
}

func (s *ZookeeperStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	return s.deleteWhere(func(l domain.SerialLock) bool { return l.ExpiredAt(now) })
}

// deleteWhere 遍历所有锁节点，按版本删除满足条件的节点；版本变化说明节点刚被改写，跳过
func (s *ZookeeperStore) deleteWhere(match func(domain.SerialLock) bool) (int, error) {
	children, _, err := s.conn.Children(s.root)
	if err != nil {
		return 0, errors.Wrap(err, "zookeeper lock store: list locks")
	}
	n := 0
	for _, child := range children {
		path := s.root + "/" + child
		data, stat, err := s.conn.Get(path)
		if err == zk.ErrNoNode {
			continue
		}
		if err != nil {
			return n, errors.Wrapf(err, "zookeeper lock store: get %s", path)
		}
		l, err := decodeRecord(data)
		if err != nil || !match(l) {
			continue
		}
		err = s.conn.Delete(path, stat.Version)
		switch err {
		case nil:
			n++
		case zk.ErrNoNode, zk.ErrBadVersion:
		default:
			return n, errors.Wrapf(err, "zookeeper lock store: delete %s", path)
		}
	}
	return n, nil
}

func (s *ZookeeperStore) Holders(_ context.Context, keys []string) (map[string]domain.SerialLock, error) {
	out := make(map[string]domain.SerialLock, len(keys))
	for _, k := range keys {
		data, _, err := s.conn.Get(s.nodePath(k))
		if err == zk.ErrNoNode {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "zookeeper lock store: get %s", k)
		}
		l, err := decodeRecord(data)
		if err != nil {
			return nil, errors.Wrapf(err, "decode lock %s", k)
		}
		out[k] = l
	}
	return out, nil
}

func (s *ZookeeperStore) ListByOrder(_ context.Context, orderID int64) ([]domain.SerialLock, error) {
	children, _, err := s.conn.Children(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "zookeeper lock store: list locks")
	}
	var out []domain.SerialLock
	for _, child := range children {
		data, _, err := s.conn.Get(s.root + "/" + child)
		if err == zk.ErrNoNode {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "zookeeper lock store: get %s", child)
		}
		if l, err := decodeRecord(data); err == nil && l.OrderID == orderID {
			out = append(out, l)
		}
	}
	return out, nil
}

func multiError(resps []zk.MultiResponse, err error) error {
	if err != nil {
		return err
	}
	for _, r := range resps {
		if r.Error != nil {
			return r.Error
		}
	}
	return nil
}
