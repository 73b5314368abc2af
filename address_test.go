package meridian_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meridiandb/meridian"
)

func TestAddress(t *testing.T) {
	tests := []struct {
		address  meridian.Address
		scheme   string
		host     string
		port     uint16
		hostPort string
	}{
		{
			address:  "http://localhost:10201",
			scheme:   "http",
			host:     "localhost",
			port:     10201,
			hostPort: "localhost:10201",
		},
		{
			address:  "localhost:10201",
			scheme:   "",
			host:     "localhost",
			port:     10201,
			hostPort: "localhost:10201",
		},
		{
			address:  "localhost",
			scheme:   "",
			host:     "localhost",
			port:     0,
			hostPort: "localhost",
		},
		{
			// An explicit zero port survives, so listeners can bind an
			// ephemeral port.
			address:  "localhost:0",
			scheme:   "",
			host:     "localhost",
			port:     0,
			hostPort: "localhost:0",
		},
		{
			address:  "https://worker1.example.com:8443",
			scheme:   "https",
			host:     "worker1.example.com",
			port:     8443,
			hostPort: "worker1.example.com:8443",
		},
		{
			address:  "http://:10201",
			scheme:   "http",
			host:     "",
			port:     10201,
			hostPort: ":10201",
		},
	}

	for i, test := range tests {
		assert.Equal(t, test.scheme, test.address.Scheme(), "test %d", i)
		assert.Equal(t, test.host, test.address.Host(), "test %d", i)
		assert.Equal(t, test.port, test.address.Port(), "test %d", i)
		assert.Equal(t, test.hostPort, test.address.HostPort(), "test %d", i)
	}
}

func TestAddressWithScheme(t *testing.T) {
	// No scheme gets the default.
	assert.Equal(t, "http://localhost:10201", meridian.Address("localhost:10201").WithScheme("http"))

	// An existing scheme wins over the default.
	assert.Equal(t, "https://localhost:10201", meridian.Address("https://localhost:10201").WithScheme("http"))

	// A blank address stays blank.
	assert.Equal(t, "", meridian.Address("").WithScheme("http"))
}

func TestAddressesSort(t *testing.T) {
	addrs := meridian.Addresses{"worker2:10301", "worker1:10301", "worker3:10301"}
	sort.Sort(addrs)
	assert.Equal(t, meridian.Addresses{"worker1:10301", "worker2:10301", "worker3:10301"}, addrs)
}
