package eventloop

// Coalescer folds any number of Schedule calls made during one iteration
// into a single call of fire at the idle phase.
type Coalescer struct {
	loop    *Loop
	fire    func()
	pending bool
	gen     uint64
}

func NewCoalescer(loop *Loop, fire func()) *Coalescer {
	return &Coalescer{loop: loop, fire: fire}
}

// Schedule arms the coalescer if it is not already pending.
func (c *Coalescer) Schedule() {
	if c.pending {
		return
	}
	c.pending = true
	gen := c.gen
	c.loop.Defer(func() {
		if !c.pending || c.gen != gen {
			return
		}
		c.pending = false
		c.gen++
		c.fire()
	})
}

// Cancel drops a pending fire, if any.
func (c *Coalescer) Cancel() {
	if c.pending {
		c.pending = false
		c.gen++
	}
}

func (c *Coalescer) Pending() bool {
	return c.pending
}
