// terra3d renders draped terrain tiles and manages quantized-mesh tile sets.
package main

func main() {
	Execute()
}
