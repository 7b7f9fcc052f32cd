package application

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/session"
)

const (
	defaultSearchDepth = 3
	maxSearchDepth     = 10
	maxSearchResults   = 200
	browseCacheSize    = 2048
)

//Browser lists the children of a node
type Browser interface {
	Browse(ctx context.Context, nodeID string) ([]session.BrowseResult, error)
}

//browseCache remembers browse results so that repeated searches do not walk the
//server's address space again. It is purged whenever the session goes away.
type browseCache struct {
	browser Browser
	cache   *lru.Cache
}

func newBrowseCache(browser Browser) *browseCache {
	cache, _ := lru.New(browseCacheSize) // only fails for a non positive size
	return &browseCache{browser: browser, cache: cache}
}

func (bc *browseCache) Browse(ctx context.Context, nodeID string) ([]session.BrowseResult, error) {
	if cached, ok := bc.cache.Get(nodeID); ok {
		return cached.([]session.BrowseResult), nil
	}

	children, err := bc.browser.Browse(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	bc.cache.Add(nodeID, children)
	return children, nil
}

//Purge forgets every cached browse result
func (bc *browseCache) Purge() {
	bc.cache.Purge()
}

//SearchResult is a node whose browse or display name matched the search term
type SearchResult struct {
	session.BrowseResult
	Path string `json:"path"`
}

type searchItem struct {
	nodeID string
	path   string
	depth  int
}

//searchNodes walks the address space breadth first below root and collects nodes whose
//browse or display name contains term, ignoring case
func searchNodes(ctx context.Context, browser Browser, root, term string, maxDepth int) ([]SearchResult, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil, apierr.New(apierr.Validation, "searchTerm must not be empty")
	}

	if maxDepth <= 0 {
		maxDepth = defaultSearchDepth
	} else if maxDepth > maxSearchDepth {
		maxDepth = maxSearchDepth
	}

	results := []SearchResult{}
	visited := map[string]bool{root: true}
	queue := []searchItem{{nodeID: root, depth: 0}}

	for len(queue) > 0 && len(results) < maxSearchResults {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		item := queue[0]
		queue = queue[1:]

		children, err := browser.Browse(ctx, item.nodeID)
		if err != nil {
			if item.nodeID == root || apierr.SignalsConnectionLoss(err) {
				return nil, err
			}
			// some servers refuse to browse individual nodes, keep walking the rest
			continue
		}

		for _, child := range children {
			if visited[child.NodeID] {
				continue
			}
			visited[child.NodeID] = true

			path := child.BrowseName
			if item.path != "" {
				path = item.path + "/" + child.BrowseName
			}

			if strings.Contains(strings.ToLower(child.BrowseName), term) ||
				strings.Contains(strings.ToLower(child.DisplayName), term) {
				results = append(results, SearchResult{BrowseResult: child, Path: path})
				if len(results) >= maxSearchResults {
					break
				}
			}

			if item.depth+1 < maxDepth {
				queue = append(queue, searchItem{nodeID: child.NodeID, path: path, depth: item.depth + 1})
			}
		}
	}

	return results, nil
}
