// Command nwpcached serves rendered NWP products from a tiered local
// cache, ingesting model output on demand and in the background.
package main
