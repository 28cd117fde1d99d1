package main

import (
	"fmt"

	"github.com/nexachat/delivery-service/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
