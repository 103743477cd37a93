// ABOUTME: Version information for crossp2p
// ABOUTME: Reported in the server/hello handshake and by --version
package version

const (
	// Version is the release of this build
	Version = "0.3.0"
	// Product is the product name sent to controllers
	Product = "crossp2p"
	// Manufacturer identifies the publisher
	Manufacturer = "Upasthiti"
)
