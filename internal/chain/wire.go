package chain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// wireHeader is the subset of eth_getBlockByNumber's response this indexer
// needs when transaction bodies aren't requested.
type wireHeader struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  string `json:"timestamp"`
	StateRoot  string `json:"stateRoot"`
	LogsBloom  string `json:"logsBloom"`
	GasUsed    string `json:"gasUsed"`
	GasLimit   string `json:"gasLimit"`
}

func (w *wireHeader) toHeader() (*Header, error) {
	height, err := parseHexUint(w.Number)
	if err != nil {
		return nil, fmt.Errorf("header.number: %w", err)
	}
	hash, err := parseHash(w.Hash)
	if err != nil {
		return nil, fmt.Errorf("header.hash: %w", err)
	}
	parent, err := parseHash(w.ParentHash)
	if err != nil {
		return nil, fmt.Errorf("header.parentHash: %w", err)
	}
	stateRoot, err := parseHash(w.StateRoot)
	if err != nil {
		return nil, fmt.Errorf("header.stateRoot: %w", err)
	}
	timestamp, err := parseHexUint(w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("header.timestamp: %w", err)
	}
	gasUsed, err := parseHexUint(w.GasUsed)
	if err != nil {
		return nil, fmt.Errorf("header.gasUsed: %w", err)
	}
	gasLimit, err := parseHexUint(w.GasLimit)
	if err != nil {
		return nil, fmt.Errorf("header.gasLimit: %w", err)
	}
	bloom, err := parseBytes(w.LogsBloom)
	if err != nil {
		return nil, fmt.Errorf("header.logsBloom: %w", err)
	}
	return &Header{
		Height:     height,
		Hash:       hash,
		ParentHash: parent,
		Timestamp:  timestamp,
		StateRoot:  stateRoot,
		LogsBloom:  bloom,
		GasUsed:    gasUsed,
		GasLimit:   gasLimit,
	}, nil
}

// wireBlock is eth_getBlockByNumber's response with transaction bodies
// included (the `true` flag on the RPC call).
type wireBlock struct {
	wireHeader
	Transactions []wireTransaction `json:"transactions"`
}

// wireTransaction is a single transaction body as returned inline in a
// block (not the top-level receipt, which is fetched separately).
type wireTransaction struct {
	Hash     string  `json:"hash"`
	From     string  `json:"from"`
	To       *string `json:"to"`
	Input    string  `json:"input"`
	Value    string  `json:"value"`
	Nonce    string  `json:"nonce"`
	Gas      string  `json:"gas"`
	GasPrice string  `json:"gasPrice"`
	Index    string  `json:"transactionIndex"`
}

func (w *wireTransaction) toTransaction() (*Transaction, error) {
	hash, err := parseHash(w.Hash)
	if err != nil {
		return nil, fmt.Errorf("tx.hash: %w", err)
	}
	from, err := parseAddress(w.From)
	if err != nil {
		return nil, fmt.Errorf("tx.from: %w", err)
	}
	var to *Address
	if w.To != nil && *w.To != "" {
		a, err := parseAddress(*w.To)
		if err != nil {
			return nil, fmt.Errorf("tx.to: %w", err)
		}
		to = &a
	}
	input, err := parseBytes(w.Input)
	if err != nil {
		return nil, fmt.Errorf("tx.input: %w", err)
	}
	value, err := parseBytes(w.Value)
	if err != nil {
		return nil, fmt.Errorf("tx.value: %w", err)
	}
	nonce, err := parseHexUint(w.Nonce)
	if err != nil {
		return nil, fmt.Errorf("tx.nonce: %w", err)
	}
	gasLimit, err := parseHexUint(w.Gas)
	if err != nil {
		return nil, fmt.Errorf("tx.gas: %w", err)
	}
	gasPrice, err := parseBytes(w.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("tx.gasPrice: %w", err)
	}
	var index uint64
	if w.Index != "" {
		index, err = parseHexUint(w.Index)
		if err != nil {
			return nil, fmt.Errorf("tx.transactionIndex: %w", err)
		}
	}
	return &Transaction{
		Hash:     hash,
		From:     from,
		To:       to,
		Input:    input,
		Value:    value,
		Nonce:    nonce,
		GasLimit: gasLimit,
		GasPrice: gasPrice,
		Index:    uint32(index),
	}, nil
}

// rawBlockEnvelope is the shape a v2 dictionary embeds per matched
// height: the same block body eth_getBlockByNumber returns, plus the logs
// eth_getLogs would have returned separately for that height.
type rawBlockEnvelope struct {
	Block wireBlock `json:"block"`
	Logs  []wireLog `json:"logs"`
}

// wireLog is eth_getLogs' per-entry response shape.
type wireLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
}

func (w *wireLog) toLog() (Log, error) {
	addr, err := parseAddress(w.Address)
	if err != nil {
		return Log{}, fmt.Errorf("log.address: %w", err)
	}
	topics := make([][32]byte, 0, len(w.Topics))
	for _, t := range w.Topics {
		h, err := parseHash(t)
		if err != nil {
			return Log{}, fmt.Errorf("log.topics: %w", err)
		}
		topics = append(topics, [32]byte(h))
	}
	data, err := parseBytes(w.Data)
	if err != nil {
		return Log{}, fmt.Errorf("log.data: %w", err)
	}
	height, err := parseHexUint(w.BlockNumber)
	if err != nil {
		return Log{}, fmt.Errorf("log.blockNumber: %w", err)
	}
	txHash, err := parseHash(w.TxHash)
	if err != nil {
		return Log{}, fmt.Errorf("log.transactionHash: %w", err)
	}
	var logIndex uint64
	if w.LogIndex != "" {
		logIndex, err = parseHexUint(w.LogIndex)
		if err != nil {
			return Log{}, fmt.Errorf("log.logIndex: %w", err)
		}
	}
	return Log{
		Address:     addr,
		Topics:      topics,
		Data:        data,
		BlockHeight: height,
		TxHash:      txHash,
		LogIndex:    uint32(logIndex),
	}, nil
}

// wireReceipt is eth_getTransactionReceipt's response shape.
type wireReceipt struct {
	TxHash            string    `json:"transactionHash"`
	Status            string    `json:"status"`
	GasUsed           string    `json:"gasUsed"`
	CumulativeGasUsed string    `json:"cumulativeGasUsed"`
	ContractAddress   *string   `json:"contractAddress"`
	Logs              []wireLog `json:"logs"`
}

func (w *wireReceipt) toReceipt() (*Receipt, error) {
	txHash, err := parseHash(w.TxHash)
	if err != nil {
		return nil, fmt.Errorf("receipt.transactionHash: %w", err)
	}
	status, err := parseHexUint(w.Status)
	if err != nil {
		return nil, fmt.Errorf("receipt.status: %w", err)
	}
	gasUsed, err := parseHexUint(w.GasUsed)
	if err != nil {
		return nil, fmt.Errorf("receipt.gasUsed: %w", err)
	}
	cumulative, err := parseHexUint(w.CumulativeGasUsed)
	if err != nil {
		return nil, fmt.Errorf("receipt.cumulativeGasUsed: %w", err)
	}
	var contractAddr *Address
	if w.ContractAddress != nil && *w.ContractAddress != "" {
		a, err := parseAddress(*w.ContractAddress)
		if err != nil {
			return nil, fmt.Errorf("receipt.contractAddress: %w", err)
		}
		contractAddr = &a
	}
	logs := make([]Log, 0, len(w.Logs))
	for _, wl := range w.Logs {
		l, err := wl.toLog()
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return &Receipt{
		TxHash:            txHash,
		Status:            status,
		GasUsed:           gasUsed,
		CumulativeGasUsed: cumulative,
		ContractAddress:   contractAddr,
		Logs:              logs,
	}, nil
}

func parseHash(s string) (Hash, error) {
	b, err := parseFixedBytes(s, 32)
	if err != nil {
		return Hash{}, err
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

func parseAddress(s string) (Address, error) {
	b, err := parseFixedBytes(s, 20)
	if err != nil {
		return Address{}, err
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

func parseFixedBytes(s string, n int) ([]byte, error) {
	b, err := parseBytes(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d in %q", n, len(b), s)
	}
	return b, nil
}

func parseBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}
