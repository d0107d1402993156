package version

// Version is the binary version, overridden at build time:
//
//	go build -ldflags "-X github.com/nv259/tensor2struct/version.Version=0.3.1"
var Version = "0.0.0"
