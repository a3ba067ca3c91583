package queue

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/maxwellcavalli/macs/execbox"
	"github.com/maxwellcavalli/macs/model"
)

const logTailBytes = 2000

const scaffoldPom = `<?xml version="1.0" encoding="UTF-8"?>
<project xmlns="http://maven.apache.org/POM/4.0.0"
         xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
         xsi:schemaLocation="http://maven.apache.org/POM/4.0.0 http://maven.apache.org/xsd/maven-4.0.0.xsd">
  <modelVersion>4.0.0</modelVersion>
  <groupId>com.acme</groupId>
  <artifactId>demo</artifactId>
  <version>0.1.0-SNAPSHOT</version>
  <properties>
    <maven.compiler.source>17</maven.compiler.source>
    <maven.compiler.target>17</maven.compiler.target>
    <project.build.sourceEncoding>UTF-8</project.build.sourceEncoding>
  </properties>
  <dependencies>
    <dependency>
      <groupId>org.junit.jupiter</groupId>
      <artifactId>junit-jupiter</artifactId>
      <version>5.10.2</version>
      <scope>test</scope>
    </dependency>
  </dependencies>
  <build>
    <plugins>
      <plugin>
        <groupId>org.apache.maven.plugins</groupId>
        <artifactId>maven-surefire-plugin</artifactId>
        <version>3.2.5</version>
      </plugin>
    </plugins>
  </build>
</project>
`

const scaffoldSmokeTest = `package com.acme;

import org.junit.jupiter.api.Test;
import static org.junit.jupiter.api.Assertions.assertTrue;

class SmokeTest {
    @Test
    void smoke() {
        assertTrue(true);
    }
}
`

// buildOutcome is the result of verifying candidate output.
type buildOutcome struct {
	Tool        string
	CompilePass bool
	TestPass    bool
	Logs        model.CandidateLogs
}

// verifyJava builds and tests the candidate's sandbox tree. A Gradle
// wrapper wins over Maven; a tree with neither gets a minimal Maven
// scaffold around it so javac still runs against the generated sources.
func verifyJava(ctx context.Context, runner *execbox.Runner, dir string) buildOutcome {
	var (
		argv    []string
		tool    string
		timeout time.Duration
	)
	switch {
	case fileExists(filepath.Join(dir, "gradlew")):
		tool = "gradle"
		argv = []string{"./gradlew", "-q", "--no-daemon", "clean", "test"}
		timeout = 300 * time.Second
	case fileExists(filepath.Join(dir, "pom.xml")):
		tool = "maven"
		argv = []string{"mvn", "-q", "-DskipITs", "test"}
		timeout = 420 * time.Second
	default:
		tool = "maven-scaffolded"
		if err := scaffoldMaven(dir); err != nil {
			return buildOutcome{
				Tool: tool,
				Logs: model.CandidateLogs{StderrTail: "scaffold failed: " + err.Error()},
			}
		}
		argv = []string{"mvn", "-q", "-DskipITs", "test"}
		timeout = 420 * time.Second
	}

	res := runner.Run(ctx, dir, argv, timeout)
	pass := res.ExitCode == 0
	return buildOutcome{
		Tool:        tool,
		CompilePass: pass,
		TestPass:    pass,
		Logs: model.CandidateLogs{
			StdoutTail: execbox.Tail(res.Stdout, logTailBytes),
			StderrTail: execbox.Tail(res.Stderr, logTailBytes),
		},
	}
}

// scaffoldMaven drops a minimal pom and smoke test into dir without
// overwriting anything the candidate produced.
func scaffoldMaven(dir string) error {
	pom := filepath.Join(dir, "pom.xml")
	if !fileExists(pom) {
		if err := os.WriteFile(pom, []byte(scaffoldPom), 0o644); err != nil {
			return err
		}
	}
	testDir := filepath.Join(dir, "src", "test", "java", "com", "acme")
	if err := os.MkdirAll(testDir, 0o755); err != nil {
		return err
	}
	smoke := filepath.Join(testDir, "SmokeTest.java")
	if !fileExists(smoke) {
		return os.WriteFile(smoke, []byte(scaffoldSmokeTest), 0o644)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
