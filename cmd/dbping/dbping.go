package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/madkins23/go-mongo-conn/mdb"
)

// Number of concurrent requests for the cached connection.
const callers = 5

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 2 {
		fmt.Println("usage: dbping [dbname]")
		return 2
	} else if len(os.Args) == 2 {
		_ = os.Setenv("MONGODB_DATABASE", os.Args[1])
	}

	// Configured by MONGODB_URI and friends, a missing URI is fatal.
	cache, err := mdb.NewCacheFromEnv()
	if err != nil {
		fmt.Printf("Unable to configure connection: %s\n", err)
		return 1
	}
	defer func() {
		if err := cache.Close(); err != nil {
			fmt.Printf("Unable to disconnect: %s\n", err)
		}
	}()

	if err := ping(cache); err != nil {
		fmt.Printf("Ping failed: %s\n", err)
		return 1
	}
	return 0
}

func ping(cache *mdb.Cache) error {
	var wg sync.WaitGroup
	results := make([]*mdb.Access, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Get(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			return fmt.Errorf("get connection: %w", errs[i])
		} else if results[i] != results[0] {
			return fmt.Errorf("connection %d differs from connection 0", i)
		}
	}

	fmt.Printf("Connected to database %s\n", results[0].Database().Name())

	return cache.Healthcheck()(context.Background())
}
