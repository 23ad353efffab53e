package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssuji15/codemod-run/model"
	"github.com/ssuji15/codemod-run/pkg/client"
)

const rule = `id: no-console-log
language: ts
rule:
  pattern: console.log($$$ARGS)
fix: logger.info($$$ARGS)
`

func main() {
	url := flag.String("url", "http://localhost:8080", "run server base url")
	token := flag.String("token", "", "bearer token")
	repoURL := flag.String("repo", "https://github.com/codemod-com/codemod.git", "repository to run against")
	branch := flag.String("branch", "main", "branch to run against")
	total := flag.Int("n", 100, "number of submissions")
	rate := flag.Int("rate", 5, "submissions per second")
	flag.Parse()

	c := client.New(*url, *token)
	req := model.RunRequest{
		RepoURL: *repoURL,
		Branch:  *branch,
		Codemods: []model.CodemodRequest{
			{Engine: model.EngineAstGrep, Name: "no-console-log", Source: rule},
		},
	}

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	var (
		wg               sync.WaitGroup
		ok, failed, errs atomic.Int64
	)
	start := time.Now()
	for i := 1; i <= *total; i++ {
		<-ticker.C

		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
			defer cancel()

			jobs, err := c.Submit(ctx, req)
			if err != nil {
				errs.Add(1)
				fmt.Printf("Request %d: submit failed: %v\n", n, err)
				return
			}
			ids := make([]string, len(jobs))
			for i, j := range jobs {
				ids[i] = j.JobID
			}
			entries, err := c.Poll(ctx, ids, time.Second, nil)
			if err != nil {
				errs.Add(1)
				fmt.Printf("Request %d: poll failed: %v\n", n, err)
				return
			}
			for _, e := range entries {
				if e.Status.Status == model.JobSuccess {
					ok.Add(1)
				} else {
					failed.Add(1)
				}
				fmt.Printf("Request %d -> job %s: %s %s\n", n, e.JobID, e.Status.Status, e.Status.Message)
			}
			if _, err := c.Output(ctx, ids); err != nil {
				fmt.Printf("Request %d: output failed: %v\n", n, err)
			}
		}(i)
	}

	wg.Wait()
	fmt.Printf("All requests completed in %s: %d succeeded, %d failed, %d errors\n", time.Since(start), ok.Load(), failed.Load(), errs.Load())
}
