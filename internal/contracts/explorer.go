package contracts

import "fmt"

// ExplorerURL links an object, transaction or address on the public explorer.
// kind is one of "object", "txblock" or "address".
func ExplorerURL(network, kind, id string) string {
	return fmt.Sprintf("https://suiexplorer.com/%s/%s?network=%s", kind, id, network)
}

// TruncateAddress shortens an address to its first six and last four characters.
func TruncateAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
