// Package migrations provides SQL migration generation.
//
// To generate migrations, use the puplink command:
//
//	go run github.com/getpup/puplink/cmd/puplink migrate --adapter postgres --output migrations
//
// Or add a go generate directive to your code:
//
//	//go:generate go run github.com/getpup/puplink/cmd/puplink migrate --adapter sqlite --output ../../migrations
//
// Then run:
//
//	go generate ./...
package migrations
