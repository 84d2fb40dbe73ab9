package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
worker:
  idle_timeout: "10m"
  batch_window: "100ms"
  exit_timeout: "30s"
  watcher_retry_delay: "5s"
  queue_capacity: 64
  blocking_pool_size: 4
  default_retry_delay: "60s"
  waiting_keepalive_interval: "600s"

logging:
  level: "info"
  format: "json"

admin:
  address: ":8081"

metrics:
  address: ":8080"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(config).NotTo(BeNil())

				Expect(config.Worker.QueueCapacity).To(Equal(64))
				Expect(config.Worker.BlockingPoolSize).To(Equal(4))
				Expect(config.Worker.IdleTimeoutDuration()).To(Equal(10 * time.Minute))
				Expect(config.Worker.DefaultRetryDelayDuration()).To(Equal(60 * time.Second))

				Expect(config.Logging.Level).To(Equal("info"))
				Expect(config.Logging.Format).To(Equal("json"))

				Expect(config.Admin.Address).To(Equal(":8081"))
				Expect(config.Metrics.Address).To(Equal(":8080"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
worker:
  queue_capacity: 16
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Worker.QueueCapacity).To(Equal(16))
				Expect(config.Worker.BlockingPoolSize).To(Equal(8))
				Expect(config.Logging.Level).To(Equal("info"))
				Expect(config.Admin.Address).To(Equal(":8081"))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
worker:
  queue_capacity: [
logging:
  level: "info"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when config has invalid duration formats", func() {
			BeforeEach(func() {
				invalidDurationConfig := `
worker:
  queue_capacity: 8
  idle_timeout: "not-a-duration"
`
				err := os.WriteFile(configFile, []byte(invalidDurationConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{
				Worker: WorkerConfig{
					QueueCapacity:    32,
					BlockingPoolSize: 8,
				},
				Logging: LoggingConfig{Level: "info", Format: "json"},
			}
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				Expect(validate(config)).To(Succeed())
			})
		})

		Context("when queue capacity is zero", func() {
			BeforeEach(func() { config.Worker.QueueCapacity = 0 })

			It("should return a validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("queue capacity must be greater than 0"))
			})
		})

		Context("when logging format is unsupported", func() {
			BeforeEach(func() { config.Logging.Format = "xml" })

			It("should return a validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported logging format"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{}
			os.Clearenv()
		})

		AfterEach(func() {
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("LOG_LEVEL", "debug")
				os.Setenv("ADMIN_ADDRESS", ":9091")
				os.Setenv("STRICT_ERRORS", "true")
			})

			It("should load values from environment", func() {
				Expect(loadFromEnv(config)).To(Succeed())
				Expect(config.Logging.Level).To(Equal("debug"))
				Expect(config.Admin.Address).To(Equal(":9091"))
				Expect(config.Worker.StrictErrors).To(BeTrue())
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify config", func() {
				original := *config
				Expect(loadFromEnv(config)).To(Succeed())
				Expect(*config).To(Equal(original))
			})
		})
	})
})
