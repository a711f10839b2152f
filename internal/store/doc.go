// Package store defines the persistence boundary for harvested threads, posts,
// extracted cases and scrape runs. Implementations live in other packages;
// this package must not import database drivers or concrete clients.
package store
