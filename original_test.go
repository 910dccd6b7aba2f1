//go:build amd64

package elevated

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallWithOriginal(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("a", a())
	p, err := Install(a, b)
	require.NoError(t, err)
	assert.Equal("b", a())

	assert.Equal("a", Original(a)())

	assert.NoError(p.Close())
	assert.Equal("a", a())
}

func TestOriginal_NotIntercepted(t *testing.T) {
	assert.Equal(t, "c", Original(c)())
}

type counter struct {
	Num int
}

//go:noinline
func (c *counter) Inc() int {
	c.Num++
	return c.Num
}

func (c *counter) Double() int {
	c.Num *= 2
	return c.Num
}

func TestMethodWithOriginal(t *testing.T) {
	assert := assert.New(t)

	ts := &counter{}
	ts.Inc()
	ts.Inc()
	assert.Equal(2, ts.Num)

	p, err := Install((*counter).Inc, (*counter).Double)
	require.NoError(t, err)

	ts.Inc()
	assert.Equal(4, ts.Num)

	Original((*counter).Inc)(ts)
	assert.Equal(5, ts.Num)

	ts.Inc()
	assert.Equal(10, ts.Num)

	assert.NoError(p.Close())
	ts.Inc()
	assert.Equal(11, ts.Num)
}

func TestTrampolineWithOriginal(t *testing.T) {
	assert := assert.New(t)

	tr, err := InstallDynamicMethodTrampoline((*counter).Inc, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	ts := &counter{}
	assert.Equal(1, ts.Inc(), "no router, so the original runs")
	assert.Equal(2, Original((*counter).Inc)(ts))
}
