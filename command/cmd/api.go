package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/childe/metacache"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "support http api",

	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")
		port, _ := cmd.Flags().GetInt32("port")
		cors, _ := cmd.Flags().GetBool("cors")

		fullAddress := fmt.Sprintf("%s:%d", address, port)
		router := gin.Default()

		if cors {
			router.Use(func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
				c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
				c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

				if c.Request.Method == "OPTIONS" {
					c.AbortWithStatus(204)
					return
				}

				c.Next()
			})
		}

		router.GET("/", func(c *gin.Context) {
			c.String(http.StatusOK, "")
		})

		router.GET("/health", func(c *gin.Context) {
			c.String(http.StatusOK, "")
		})

		router.GET("/resolve", resolveBootstrap)

		return router.Run(fullAddress)
	},
}

func resolveBootstrap(c *gin.Context) {
	bootstrap := c.Query("bootstrap")
	dnsLookup, err := metacache.DNSLookupForConfig(c.Query("dns-lookup"))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	addresses, err := metacache.ParseAndValidateAddresses(strings.Split(bootstrap, ","), dnsLookup)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, addresses)
}

func init() {
	apiCmd.Flags().Int32("port", 8080, "api port")
	apiCmd.Flags().String("address", "0.0.0.0", "api address")
	apiCmd.Flags().Bool("cors", false, "enable cors")
}
