package chain

import "github.com/paw-chain/chain-indexer/pkg/logger"

func testLogger() *logger.Logger {
	return logger.NewLogger("chain_test")
}
