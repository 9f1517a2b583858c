package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCSource reads blocks and receipts from a JSON-RPC endpoint.
type RPCSource struct {
	client *ethclient.Client
}

// DialRPC connects to an endpoint. The connection is lazy; a bad URL
// fails here, a dead node fails per call.
func DialRPC(ctx context.Context, url string) (*RPCSource, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &RPCSource{client: client}, nil
}

// BlockByNumber implements BlockSource from the block header.
func (s *RPCSource) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, mapRPCError(err)
	}
	return &Block{
		Number:     header.Number.Uint64(),
		Hash:       strings.ToLower(header.Hash().Hex()),
		ParentHash: strings.ToLower(header.ParentHash.Hex()),
	}, nil
}

// TransactionReceipt implements BlockSource.
func (s *RPCSource) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, mapRPCError(err)
	}
	return &Receipt{
		TxHash:      strings.ToLower(receipt.TxHash.Hex()),
		Status:      receipt.Status,
		BlockHash:   strings.ToLower(receipt.BlockHash.Hex()),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// Close releases the underlying connection.
func (s *RPCSource) Close() { s.client.Close() }

func mapRPCError(err error) error {
	if errors.Is(err, ethereum.NotFound) {
		return ErrNotFound
	}
	return err
}

var _ BlockSource = (*RPCSource)(nil)
