package common

// Version is set at build time with -ldflags "-X github.com/neurallog/kek-custody/common.Version=..."
var Version = "dev"
