// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("geoetl cli 0.1.0")
	case "health":
		runHealth()
	case "submit":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: geoetl submit <job_type> <params-json>\n")
			os.Exit(1)
		}
		runSubmit(args[0], args[1])
	case "status":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: geoetl status <job_id>\n")
			os.Exit(1)
		}
		runStatus(args[0])
	case "tasks":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: geoetl tasks <job_id> <stage>\n")
			os.Exit(1)
		}
		runTasks(args[0], args[1])
	case "watch":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: geoetl watch <job_id>\n")
			os.Exit(1)
		}
		runWatch(args[0])
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: geoetl cancel <job_id>\n")
			os.Exit(1)
		}
		runCancel(args[0])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: geoetl <command> [args]")
	fmt.Println("  version                      - 显示版本")
	fmt.Println("  health                       - API 健康检查")
	fmt.Println("  submit <job_type> <params>   - 提交作业（params 为 JSON），返回 job_id")
	fmt.Println("  status <job_id>              - 查询作业状态与结果")
	fmt.Println("  tasks <job_id> <stage>       - 列出指定 Stage 的任务")
	fmt.Println("  watch <job_id>               - 轮询直至作业终态")
	fmt.Println("  cancel <job_id>              - 请求取消（Stage 边界生效）")
	fmt.Println("环境变量 GEOETL_API_URL 指定 API 地址，默认 http://localhost:8080")
}

func runHealth() {
	if err := apiHealth(); err != nil {
		fmt.Fprintf(os.Stderr, "unhealthy: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func runSubmit(jobType, params string) {
	if !json.Valid([]byte(params)) {
		fmt.Fprintf(os.Stderr, "params 不是合法 JSON: %s\n", params)
		os.Exit(1)
	}
	env, created, err := submitJob(jobType, json.RawMessage(params))
	if err != nil {
		fmt.Fprintf(os.Stderr, "提交失败: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("已创建 job_id=%s status=%s\n", env.JobID, env.Status)
	} else {
		fmt.Printf("重复提交，返回现有作业 job_id=%s status=%s\n", env.JobID, env.Status)
	}
	fmt.Printf("monitor: %s%s\n", apiBaseURL(), env.Monitor)
}

func runStatus(jobID string) {
	doc, err := getJob(jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	printJSON(doc)
}

func runTasks(jobID, stageArg string) {
	stage, err := strconv.Atoi(stageArg)
	if err != nil || stage < 1 {
		fmt.Fprintf(os.Stderr, "stage 必须是正整数: %s\n", stageArg)
		os.Exit(1)
	}
	out, err := getStageTasks(jobID, stage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	printJSON(out)
}

func runWatch(jobID string) {
	terminal := map[string]bool{"completed": true, "completed_with_errors": true, "failed": true}
	for {
		doc, err := getJob(jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
			os.Exit(1)
		}
		status, _ := doc["status"].(string)
		stage, _ := doc["current_stage"].(float64)
		fmt.Printf("%s status=%s stage=%.0f\n", time.Now().Format("15:04:05"), status, stage)
		if terminal[status] {
			printJSON(doc)
			return
		}
		time.Sleep(2 * time.Second)
	}
}

func runCancel(jobID string) {
	env, err := cancelJob(jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "取消失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("已请求取消 job_id=%s status=%s（在途任务跑完、Stage 边界生效）\n", env.JobID, env.Status)
}
