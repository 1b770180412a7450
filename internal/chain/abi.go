package chain

import "fmt"

// ABI is the minimal decoder surface a data source needs from a parsed
// contract interface: turning a raw log or transaction into named
// arguments. Real decoding (4-byte selector / topic hash tables) lives in
// whatever library builds an ABI; this package only caches the result.
type ABI interface {
	Name() string
	DecodeLog(l Log) (map[string]interface{}, error)
	DecodeTransaction(tx *Transaction) (map[string]interface{}, error)
}

// LoadABI returns the cached ABI for name, building it with build on first
// request. The cache is process-wide and keyed by name alone: if two data
// sources register different ABIs under the same name, the first one
// loaded wins silently — callers that need per-data-source isolation must
// use distinct names.
func (c *Client) LoadABI(name string, build func() (ABI, error)) (ABI, error) {
	c.abiMu.Lock()
	defer c.abiMu.Unlock()

	if abi, ok := c.abiCache[name]; ok {
		return abi, nil
	}
	abi, err := build()
	if err != nil {
		return nil, fmt.Errorf("building ABI %q: %w", name, err)
	}
	c.abiCache[name] = abi
	return abi, nil
}

// ParseLog decodes l using the named ABI, loading it into the cache first
// if this is the first reference to that name.
func (c *Client) ParseLog(name string, build func() (ABI, error), l Log) (map[string]interface{}, error) {
	abi, err := c.LoadABI(name, build)
	if err != nil {
		return nil, err
	}
	return abi.DecodeLog(l)
}

// ParseTransaction decodes tx using the named ABI, loading it into the
// cache first if this is the first reference to that name.
func (c *Client) ParseTransaction(name string, build func() (ABI, error), tx *Transaction) (map[string]interface{}, error) {
	abi, err := c.LoadABI(name, build)
	if err != nil {
		return nil, err
	}
	return abi.DecodeTransaction(tx)
}
