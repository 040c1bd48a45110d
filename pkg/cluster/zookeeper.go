package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"lsmrepl/pkg/lease"
	"lsmrepl/pkg/types"

	"github.com/go-zookeeper/zk"
	"github.com/goccy/go-yaml"
)

// zkConn is the part of *zk.Conn used here.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	State() zk.State
	Close()
}

// Connect opens a ZooKeeper session.
// servers: ["zk1:2181", "zk2:2181"]
func Connect(servers []string) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return conn, nil
}

func ensurePath(conn zkConn, p string) error {
	parts := strings.Split(p, "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func waitConnected(conn zkConn, timeout time.Duration) error {
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

// ZKMembership - реестр участников репликации в ZooKeeper
type ZKMembership struct {
	conn     zkConn
	rootPath string
	local    types.PeerAddr
	logger   *slog.Logger
}

func NewZKMembership(conn zkConn, rootPath string, local types.PeerAddr) *ZKMembership {
	return &ZKMembership{
		conn:     conn,
		rootPath: rootPath,
		local:    local,
		logger:   slog.Default().With("component", "zk-membership"),
	}
}

func (m *ZKMembership) nodesPath() string {
	return m.rootPath + "/nodes"
}

// RegisterSelf создаёт ephemeral-узел для текущей ноды
func (m *ZKMembership) RegisterSelf() error {
	// Ждём, пока клиент реально подключится к ZK
	if err := waitConnected(m.conn, 10*time.Second); err != nil {
		return err
	}

	if err := ensurePath(m.conn, m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/%s", m.nodesPath(), m.local)
	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	m.logger.Info("registered node", "path", nodePath)
	return nil
}

// Participants читает список живых нод
func (m *ZKMembership) Participants() ([]types.PeerAddr, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return toPeers(children), nil
}

func toPeers(children []string) []types.PeerAddr {
	sort.Strings(children)
	res := make([]types.PeerAddr, 0, len(children))
	for _, c := range children {
		res = append(res, types.PeerAddr(c))
	}
	return res
}

// RunWatch следит за /nodes и сообщает о каждом изменении списка
func (m *ZKMembership) RunWatch(ctx context.Context, onChange func([]types.PeerAddr)) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
			if err != nil {
				m.logger.Warn("ChildrenW failed", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			onChange(toPeers(children))

			select {
			case ev := <-ch:
				m.logger.Debug("membership event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				m.logger.Info("watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

// ZKLeasePersister keeps acceptor records under <root>/leases/<node>/<cell> so that a
// restarted node can skip the quiet period.
type ZKLeasePersister struct {
	conn     zkConn
	rootPath string
	local    types.PeerAddr
}

func NewZKLeasePersister(conn zkConn, rootPath string, local types.PeerAddr) (*ZKLeasePersister, error) {
	p := &ZKLeasePersister{conn: conn, rootPath: rootPath, local: local}
	if err := waitConnected(conn, 10*time.Second); err != nil {
		return nil, err
	}
	if err := ensurePath(conn, p.leasesPath()); err != nil {
		return nil, fmt.Errorf("ensure leases path: %w", err)
	}
	return p, nil
}

func (p *ZKLeasePersister) leasesPath() string {
	return fmt.Sprintf("%s/leases/%s", p.rootPath, p.local)
}

func (p *ZKLeasePersister) nodePath(cell string) string {
	return path.Join(p.leasesPath(), path.Base(cell))
}

func (p *ZKLeasePersister) Load(cell string) (lease.Record, bool, error) {
	data, _, err := p.conn.Get(p.nodePath(cell))
	if errors.Is(err, zk.ErrNoNode) {
		return lease.Record{}, false, nil
	}
	if err != nil {
		return lease.Record{}, false, fmt.Errorf("zk get lease: %w", err)
	}

	var r lease.Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return lease.Record{}, false, fmt.Errorf("unmarshal lease record: %w", err)
	}
	return r, true, nil
}

func (p *ZKLeasePersister) Save(cell string, r lease.Record) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal lease record: %w", err)
	}

	_, err = p.conn.Set(p.nodePath(cell), data, -1)
	if errors.Is(err, zk.ErrNoNode) {
		_, err = p.conn.Create(p.nodePath(cell), data, 0, zk.WorldACL(zk.PermAll))
	}
	if err != nil {
		return fmt.Errorf("zk save lease: %w", err)
	}
	return nil
}
