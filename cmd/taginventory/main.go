// taginventory - inventory tagged cloud resources across regions.
// Search. Merge. Publish.
package main

import (
	_ "time/tzdata"
)

func main() {
	Execute()
}
