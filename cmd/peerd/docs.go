package main

// General API documentation for swaggo. The served document lives in
// internal/apidocs and is mounted when built with -tags=swagger.
//
// @title           peerd API
// @version         1.0
// @description     HTTP API for on-device model loading, generation and preloading.
//
// @contact.name   peerd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
