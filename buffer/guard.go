package buffer

// Get returns a guard over the held buffer for (dev, blockno).
func (c *Cache) Get(dev, blockno uint32) (*BlockGuard, error) {
	b, err := c.Read(dev, blockno)
	if err != nil {
		return nil, err
	}
	return &BlockGuard{buf: b, cache: c}, nil
}

// Buf returns the guarded buffer, or nil after Drop.
func (g *BlockGuard) Buf() *Buf {
	return g.buf
}

// Data returns the block contents.
func (g *BlockGuard) Data() []byte {
	return g.buf.Data[:]
}

// Write persists the block contents.
func (g *BlockGuard) Write() error {
	return g.cache.Write(g.buf)
}

// Drop releases the buffer. Later calls are no-ops.
func (g *BlockGuard) Drop() {
	if g == nil || g.buf == nil {
		return
	}

	g.cache.Release(g.buf)
	g.buf = nil
}

// BlockGuard owns one reference to a held buffer until Drop.
type BlockGuard struct {
	buf   *Buf
	cache *Cache
}
