package beanstalkd

import (
	"sync"
	"time"

	"github.com/beanstalkd/go-beanstalk"
)

// serialConn adapts *beanstalk.Conn to Conn. A beanstalkd connection keeps a
// single watch list, so commands are serialized and each tube gets its own TubeSet.
type serialConn struct {
	mu    sync.Mutex
	raw   *beanstalk.Conn
	tubes map[string]*beanstalk.TubeSet
}

// NewConn wraps an established connection.
func NewConn(raw *beanstalk.Conn) Conn {
	return &serialConn{raw: raw, tubes: make(map[string]*beanstalk.TubeSet)}
}

func (c *serialConn) ReserveFrom(tube string, timeout time.Duration) (uint64, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.tubes[tube]
	if !ok {
		set = beanstalk.NewTubeSet(c.raw, tube)
		c.tubes[tube] = set
	}
	return set.Reserve(timeout)
}

func (c *serialConn) Delete(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.Delete(id)
}

func (c *serialConn) Release(id uint64, pri uint32, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.Release(id, pri, delay)
}

func (c *serialConn) Bury(id uint64, pri uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.Bury(id, pri)
}

func (c *serialConn) StatsJob(id uint64) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.StatsJob(id)
}

func (c *serialConn) Stats() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.Stats()
}

func (c *serialConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.Close()
}
